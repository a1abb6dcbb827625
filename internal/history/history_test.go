package history

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
)

func TestSeed(t *testing.T) {
	h := Seed(&card.Persona{Name: "Aria", FirstMessage: "Hi, I'm Aria."}, "")
	want := &chat.History{
		Identifier: chat.DefaultHistoryID,
		Messages:   []chat.Message{{Role: chat.RoleModel, Text: "Hi, I'm Aria.", Kind: chat.KindOpening}},
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("Seed() mismatch (-want +got):\n%s", diff)
	}

	h = Seed(&card.Persona{Name: "Mute"}, "main_history")
	if h.Identifier != "main_history" || len(h.Messages) != 0 {
		t.Errorf("Seed() without opening line = %+v", h)
	}
}

func TestReconcile(t *testing.T) {
	opening := chat.Message{Role: chat.RoleModel, Text: "Hi.", Kind: chat.KindOpening}
	user := chat.Message{Role: chat.RoleUser, Text: "hello", Kind: chat.KindTurn}
	dynamic := chat.Message{Role: chat.RoleSystem, Text: "lore", Kind: chat.KindDynamic}
	reply := chat.Message{Role: chat.RoleModel, Text: "hey", Kind: chat.KindTurn}

	tests := []struct {
		name  string
		turns []chat.Message
		user  string
		reply string
		want  []chat.Message
	}{
		{
			name:  "appends both",
			turns: []chat.Message{opening},
			user:  "hello", reply: "hey",
			want: []chat.Message{opening, user, reply},
		},
		{
			name:  "user already last",
			turns: []chat.Message{opening, user},
			user:  "hello", reply: "hey",
			want: []chat.Message{opening, user, reply},
		},
		{
			name:  "strips dynamic entries",
			turns: []chat.Message{opening, dynamic, user, dynamic},
			user:  "hello", reply: "hey",
			want: []chat.Message{opening, user, reply},
		},
		{
			name:  "repeated user text is a new turn",
			turns: []chat.Message{opening, user, reply},
			user:  "hello", reply: "again",
			want: []chat.Message{opening, user, reply, user, {Role: chat.RoleModel, Text: "again", Kind: chat.KindTurn}},
		},
		{
			name:  "retried turn with repeated reply",
			turns: []chat.Message{opening, user, reply, {Role: chat.RoleUser, Text: "again", Kind: chat.KindTurn}},
			user:  "again", reply: "hey",
			want: []chat.Message{opening, user, reply, {Role: chat.RoleUser, Text: "again", Kind: chat.KindTurn}},
		},
		{
			name:  "reply repeating the opening line",
			turns: []chat.Message{opening},
			user:  "hello", reply: "Hi.",
			want: []chat.Message{opening, user},
		},
		{
			name:  "empty history",
			turns: nil,
			user:  "hello", reply: "hey",
			want: []chat.Message{user, reply},
		},
		{
			name:  "blank reply not appended",
			turns: []chat.Message{opening},
			user:  "hello", reply: "  ",
			want: []chat.Message{opening, user},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.turns, tt.user, tt.reply)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Reconcile() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconcile_DoesNotMutate(t *testing.T) {
	turns := make([]chat.Message, 1, 8)
	turns[0] = chat.Message{Role: chat.RoleModel, Text: "Hi.", Kind: chat.KindOpening}
	Reconcile(turns, "hello", "hey")
	if got := turns[:2]; got[1].Text != "" {
		t.Errorf("Reconcile() wrote into caller's backing array: %+v", got)
	}
}

func TestTruncate(t *testing.T) {
	h := &chat.History{Identifier: "h1", Messages: []chat.Message{
		{Role: chat.RoleModel, Text: "Hi.", Kind: chat.KindOpening},
		{Role: chat.RoleUser, Text: "hello"},
		{Role: chat.RoleModel, Text: "hey"},
	}}
	got := Truncate(h)
	if got.Identifier != "h1" || len(got.Messages) != 1 || got.Messages[0].Text != "Hi." {
		t.Errorf("Truncate() = %+v", got)
	}
	if len(h.Messages) != 3 {
		t.Error("Truncate() modified its input")
	}

	if got := Truncate(nil); got.Identifier != chat.DefaultHistoryID || len(got.Messages) != 0 {
		t.Errorf("Truncate(nil) = %+v", got)
	}
}
