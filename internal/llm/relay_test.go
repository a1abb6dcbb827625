package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/loom/internal/chat"
)

func TestRelayClient_Submit(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer relay-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"reply":"relayed"}`))
	}))
	defer srv.Close()

	c := NewRelayClient(srv.URL, "relay-token", nil)
	reply, err := c.Submit(context.Background(), "backup", []chat.Message{
		{Role: chat.RoleModel, Text: "hello"},
		{Role: chat.RoleUser, Text: "hi"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if reply != "relayed" {
		t.Errorf("reply = %q", reply)
	}
	if got.Model != "backup" || len(got.Messages) != 2 || got.Messages[0].Role != "model" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestRelayClient_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer srv.Close()

	_, err := NewRelayClient(srv.URL, "", nil).Submit(context.Background(), "", []chat.Message{{Text: "hi"}})
	if err == nil || err.Error() != "relay: quota exceeded" {
		t.Errorf("unexpected error: %v", err)
	}
}
