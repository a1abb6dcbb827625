// Package dispatch submits an assembled conversation to a backend,
// rotating API keys, falling back from the primary to the backup model,
// and finally forwarding through a relay service.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/llm"
)

// ErrNoBackend is a configuration error: there are no API keys and no
// relay, so no request can ever be sent.
var ErrNoBackend = errors.New("dispatch: no API keys and no relay configured")

// Config describes the backends available to a Dispatcher.
type Config struct {
	Provider      string        // registry provider name for keyed requests
	Keys          []string      // tried in order
	PrimaryModel  string
	BackupModel   string
	ModelFallback bool          // retry the key loop on BackupModel
	FallbackDelay time.Duration // wait before switching to BackupModel
	Relay         llm.Client    // final fallback; nil disables it
}

// Dispatcher runs the fallback chain for one request at a time. Keys are
// tried strictly sequentially. A Dispatcher is safe for concurrent use;
// each Submit runs its own machine.
type Dispatcher struct {
	cfg      Config
	registry *llm.Registry
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// New validates cfg and creates a Dispatcher. It returns ErrNoBackend
// when neither keys nor a relay are configured.
func New(cfg Config, registry *llm.Registry, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Keys) == 0 && cfg.Relay == nil {
		return nil, ErrNoBackend
	}
	if len(cfg.Keys) > 0 && registry == nil {
		return nil, fmt.Errorf("dispatch: keys configured without an adapter registry")
	}
	cfg.Keys = append([]string(nil), cfg.Keys...)
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "dispatch"),
		sleep:    sleepContext,
	}, nil
}

func (d *Dispatcher) limits() limits {
	return limits{
		keys:     len(d.cfg.Keys),
		fallback: d.cfg.ModelFallback && d.cfg.BackupModel != "",
		relay:    d.cfg.Relay != nil,
	}
}

func (d *Dispatcher) model(backup bool) string {
	if backup {
		return d.cfg.BackupModel
	}
	return d.cfg.PrimaryModel
}

// Submit sends msgs and returns the first successful reply. When every
// option fails, the error from the first failed attempt is returned.
func (d *Dispatcher) Submit(ctx context.Context, msgs []chat.Message) (string, error) {
	l := d.limits()
	var (
		s        = step{state: stateIdle}
		reply    string
		firstErr error
		attempts int
	)

	for !s.state.terminal() {
		var err error
		switch s.state {
		case stateSending:
			attempts++
			reply, err = d.send(ctx, s, msgs)

		case stateRelayFallback:
			attempts++
			model := d.model(s.backup)
			d.logger.Info("forwarding through relay", "model", model)
			reply, err = d.cfg.Relay.Submit(ctx, model, msgs)
			if err != nil {
				d.logger.Warn("relay attempt failed", "model", model, "error", err)
			}

		case stateModelFallback:
			d.logger.Warn("primary model exhausted all keys, falling back",
				"primary", d.cfg.PrimaryModel,
				"backup", d.cfg.BackupModel,
				"delay", d.cfg.FallbackDelay,
			)
			if err := d.sleep(ctx, d.cfg.FallbackDelay); err != nil {
				return "", err
			}
		}

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
		}

		prev := s.state
		s = next(s, l, err)
		d.logger.Log(ctx, llm.LevelTrace, "dispatch transition", "from", prev, "to", s.state, "key", s.key)
	}

	if s.state == stateFatal {
		if firstErr == nil {
			return "", ErrNoBackend
		}
		d.logger.Error("all dispatch options exhausted", "attempts", attempts, "error", firstErr)
		return "", fmt.Errorf("dispatch failed after %d attempts: %w", attempts, firstErr)
	}
	return reply, nil
}

// send makes one keyed attempt. Adapters whose credential was rejected
// are evicted so a rotated key gets a fresh client.
func (d *Dispatcher) send(ctx context.Context, s step, msgs []chat.Message) (string, error) {
	model := d.model(s.backup)
	key := d.cfg.Keys[s.key]

	client, err := d.registry.Get(d.cfg.Provider, key)
	if err != nil {
		d.logger.Warn("adapter unavailable", "key_index", s.key, "error", err)
		return "", err
	}

	reply, err := client.Submit(ctx, model, msgs)
	if err == nil {
		return reply, nil
	}

	var se *llm.StatusError
	if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
		d.registry.Evict(d.cfg.Provider, key)
	}
	d.logger.Warn("dispatch attempt failed",
		"model", model,
		"key_index", s.key,
		"error", err,
	)
	return "", err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
