package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/loom/internal/chat"
)

type stubClient struct{ key string }

func (s *stubClient) Submit(context.Context, string, []chat.Message) (string, error) {
	return s.key, nil
}

func TestRegistry_CachesPerKey(t *testing.T) {
	r := NewRegistry(nil)
	built := 0
	r.Register("stub", func(key string) (Client, error) {
		built++
		return &stubClient{key: key}, nil
	})

	a1, err := r.Get("stub", "a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := r.Get("stub", "a")
	b, _ := r.Get("stub", "b")

	if a1 != a2 {
		t.Error("same key returned different adapters")
	}
	if a1 == b {
		t.Error("different keys share an adapter")
	}
	if built != 2 || r.Len() != 2 {
		t.Errorf("built = %d, cached = %d; want 2, 2", built, r.Len())
	}

	r.Evict("stub", "a")
	a3, _ := r.Get("stub", "a")
	if a3 == a1 || built != 3 {
		t.Error("Evict did not force reconstruction")
	}

	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len after Reset = %d", r.Len())
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Get("missing", "k"); err == nil {
		t.Error("expected error for unregistered provider")
	}

	boom := errors.New("boom")
	r.Register("bad", func(string) (Client, error) { return nil, boom })
	if _, err := r.Get("bad", "k"); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("failed construction was cached")
	}
}

func TestRegistry_RegisterEvictsProvider(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("stub", func(key string) (Client, error) { return &stubClient{key: key}, nil })
	r.Get("stub", "a")
	r.Register("stub", func(key string) (Client, error) { return &stubClient{key: "new-" + key}, nil })

	c, _ := r.Get("stub", "a")
	if got, _ := c.Submit(context.Background(), "", nil); got != "new-a" {
		t.Errorf("adapter from old factory survived Register: %q", got)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("stub", func(key string) (Client, error) { return &stubClient{key: key}, nil })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get("stub", "shared"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestNewFactory(t *testing.T) {
	for _, p := range []string{ProviderOpenAI, ProviderAnthropic} {
		f, err := NewFactory(p, "http://localhost", nil)
		if err != nil {
			t.Fatalf("NewFactory(%q): %v", p, err)
		}
		if c, err := f("key"); err != nil || c == nil {
			t.Errorf("factory %q: client=%v err=%v", p, c, err)
		}
	}
	if _, err := NewFactory("carrier-pigeon", "", nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}
