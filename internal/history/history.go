// Package history maintains the durable dialogue of a session: seeding
// it from a persona, folding completed turns back in, and resetting it.
package history

import (
	"strings"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
)

// Seed returns a new history for persona. The persona's opening line,
// if any, becomes the first real message. An empty id means
// [chat.DefaultHistoryID].
func Seed(persona *card.Persona, id string) *chat.History {
	if id == "" {
		id = chat.DefaultHistoryID
	}
	h := &chat.History{Identifier: id, Messages: []chat.Message{}}
	if persona != nil && strings.TrimSpace(persona.FirstMessage) != "" {
		h.Messages = append(h.Messages, chat.Message{
			Role: chat.RoleModel,
			Text: persona.FirstMessage,
			Kind: chat.KindOpening,
		})
	}
	return h
}

// Reconcile folds a completed turn into the real-only history and
// returns the new message list. Dynamic entries in turns are dropped.
// The user turn is appended unless it is already the last real message,
// and the reply is appended unless it repeats the last model message.
// turns is not modified.
func Reconcile(turns []chat.Message, userText, reply string) []chat.Message {
	out := chat.Real(turns)

	if last, ok := chat.LastReal(out); !ok || last.Role != chat.RoleUser || last.Text != userText {
		out = append(out, chat.Message{Role: chat.RoleUser, Text: userText, Kind: chat.KindTurn})
	}

	if strings.TrimSpace(reply) == "" {
		return out
	}
	if last, ok := lastModel(out); ok && last.Text == reply {
		return out
	}
	return append(out, chat.Message{Role: chat.RoleModel, Text: reply, Kind: chat.KindTurn})
}

func lastModel(msgs []chat.Message) (chat.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleModel {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}

// Truncate resets h to its opening line. Histories without one become
// empty. The identifier is preserved.
func Truncate(h *chat.History) *chat.History {
	out := &chat.History{Identifier: h.ID(), Messages: []chat.Message{}}
	if h == nil {
		return out
	}
	for _, m := range h.Messages {
		if m.IsFirstMessage() {
			out.Messages = append(out.Messages, m.Clone())
			break
		}
	}
	return out
}
