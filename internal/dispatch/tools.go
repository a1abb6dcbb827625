package dispatch

import (
	"context"
	"strings"

	"github.com/nugget/loom/internal/chat"
)

// Delimiters wrapped around each retrieval source in the spliced
// message.
const (
	MemoryOpen  = "[[memory]]"
	MemoryClose = "[[/memory]]"
	WebOpen     = "[[web]]"
	WebClose    = "[[/web]]"
)

// RetrievalGuideline is appended to the spliced message.
const RetrievalGuideline = `Guidelines for the notes above:
- The text between ` + MemoryOpen + ` and ` + MemoryClose + ` is what you remember from earlier conversations.
- The text between ` + WebOpen + ` and ` + WebClose + ` is current information from a web search.
- Use a note only when it is relevant to the latest message, and stay in character.
- You may reuse a note's wording verbatim at most once per reply. Never repeat the delimiters themselves.`

// RetrievalContext holds formatted retrieval results for one turn.
// Either field may be empty.
type RetrievalContext struct {
	Memory string
	Web    string
}

// Empty reports whether rc carries nothing to splice.
func (rc *RetrievalContext) Empty() bool {
	return rc == nil || (strings.TrimSpace(rc.Memory) == "" && strings.TrimSpace(rc.Web) == "")
}

// SubmitWithTools is Submit with retrieval results spliced in as a
// model-authored message immediately before the final user turn. A nil
// or empty rc sends msgs unchanged.
func (d *Dispatcher) SubmitWithTools(ctx context.Context, msgs []chat.Message, rc *RetrievalContext) (string, error) {
	if rc.Empty() {
		return d.Submit(ctx, msgs)
	}
	return d.Submit(ctx, Splice(msgs, rc))
}

// Splice returns a copy of msgs with the retrieval message inserted
// before the final user turn, or appended if there is none. Depth-0
// entries woven after that turn stay after it.
func Splice(msgs []chat.Message, rc *RetrievalContext) []chat.Message {
	if rc.Empty() {
		return chat.Clone(msgs)
	}

	at := finalUserTurn(msgs)

	out := make([]chat.Message, 0, len(msgs)+1)
	out = append(out, chat.Clone(msgs[:at])...)
	out = append(out, chat.Message{
		Role:       chat.RoleModel,
		Text:       retrievalText(rc),
		Kind:       chat.KindDynamic,
		Identifier: "retrieval",
	})
	out = append(out, chat.Clone(msgs[at:])...)
	return out
}

func retrievalText(rc *RetrievalContext) string {
	var b strings.Builder
	if m := strings.TrimSpace(rc.Memory); m != "" {
		b.WriteString(MemoryOpen + "\n" + m + "\n" + MemoryClose + "\n\n")
	}
	if w := strings.TrimSpace(rc.Web); w != "" {
		b.WriteString(WebOpen + "\n" + w + "\n" + WebClose + "\n\n")
	}
	b.WriteString(RetrievalGuideline)
	return b.String()
}

func finalUserTurn(msgs []chat.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser && msgs[i].Kind == chat.KindTurn {
			return i
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return i
		}
	}
	return len(msgs)
}
