package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/framework"
)

// MissingError reports required documents absent from a session.
type MissingError struct {
	Session string
	Kinds   []Kind
}

func (e *MissingError) Error() string {
	names := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		names[i] = string(k)
	}
	return fmt.Sprintf("session %q is missing required document(s): %s", e.Session, strings.Join(names, ", "))
}

// Bundle is every document a turn needs, with defaults substituted for
// the optional ones. Framework is nil when none has been compiled yet.
type Bundle struct {
	Persona    *card.Persona
	LoreBook   *card.LoreBook
	Preset     *card.Preset
	AuthorNote *card.AuthorNote
	History    *chat.History
	Framework  *framework.Framework
}

// Documents provides typed access to a Store. Decoded documents are
// validated before they are returned.
type Documents struct {
	store *Store
}

// NewDocuments wraps s.
func NewDocuments(s *Store) *Documents {
	return &Documents{store: s}
}

// Store returns the underlying raw store.
func (d *Documents) Store() *Store { return d.store }

func (d *Documents) load(ctx context.Context, session string, kind Kind, v any) (bool, error) {
	data, found, err := d.store.Get(ctx, session, kind)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", session, kind, err)
	}
	return true, nil
}

// Save encodes v as JSON and stores it under kind.
func (d *Documents) Save(ctx context.Context, session string, kind Kind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", session, kind, err)
	}
	return d.store.Put(ctx, session, kind, data)
}

// Persona returns the session's persona. A missing persona is a
// *MissingError.
func (d *Documents) Persona(ctx context.Context, session string) (*card.Persona, error) {
	var p card.Persona
	found, err := d.load(ctx, session, KindPersona, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &MissingError{Session: session, Kinds: []Kind{KindPersona}}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoreBook returns the session's lorebook, or an empty one.
func (d *Documents) LoreBook(ctx context.Context, session string) (*card.LoreBook, error) {
	b := &card.LoreBook{}
	if _, err := d.load(ctx, session, KindLoreBook, b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Preset returns the session's preset, or [card.DefaultPreset].
func (d *Documents) Preset(ctx context.Context, session string) (*card.Preset, error) {
	var p card.Preset
	found, err := d.load(ctx, session, KindPreset, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return card.DefaultPreset(), nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// AuthorNote returns the session's author's note, or nil.
func (d *Documents) AuthorNote(ctx context.Context, session string) (*card.AuthorNote, error) {
	var n card.AuthorNote
	found, err := d.load(ctx, session, KindAuthorNote, &n)
	if err != nil || !found {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// History returns the session's history. A missing history is a
// *MissingError.
func (d *Documents) History(ctx context.Context, session string) (*chat.History, error) {
	var h chat.History
	found, err := d.load(ctx, session, KindHistory, &h)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &MissingError{Session: session, Kinds: []Kind{KindHistory}}
	}
	return &h, nil
}

// Framework returns the cached compiled framework, or nil.
func (d *Documents) Framework(ctx context.Context, session string) (*framework.Framework, error) {
	var fw framework.Framework
	found, err := d.load(ctx, session, KindFramework, &fw)
	if err != nil || !found {
		return nil, err
	}
	return &fw, nil
}

// Load reads every document of a session. When the persona, the history
// or both are missing, the returned *MissingError names all of them.
func (d *Documents) Load(ctx context.Context, session string) (*Bundle, error) {
	var (
		b       Bundle
		err     error
		missing []Kind
	)

	if b.Persona, err = d.Persona(ctx, session); err != nil {
		if !isMissing(err) {
			return nil, err
		}
		missing = append(missing, KindPersona)
	}
	if b.History, err = d.History(ctx, session); err != nil {
		if !isMissing(err) {
			return nil, err
		}
		missing = append(missing, KindHistory)
	}
	if len(missing) > 0 {
		return nil, &MissingError{Session: session, Kinds: missing}
	}

	if b.LoreBook, err = d.LoreBook(ctx, session); err != nil {
		return nil, err
	}
	if b.Preset, err = d.Preset(ctx, session); err != nil {
		return nil, err
	}
	if b.AuthorNote, err = d.AuthorNote(ctx, session); err != nil {
		return nil, err
	}
	if b.Framework, err = d.Framework(ctx, session); err != nil {
		return nil, err
	}
	return &b, nil
}

func isMissing(err error) bool {
	var me *MissingError
	return errors.As(err, &me)
}
