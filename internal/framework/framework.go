// Package framework compiles a Preset, Persona and LoreBook into the
// static message skeleton of a request, and resolves that skeleton
// against the woven chat history at send time.
package framework

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
)

// Framework is the compiled skeleton. Slots contains exactly one
// [chat.KindHistory] placeholder when produced by [Compile]; frameworks
// loaded from storage are not trusted to, and [Resolve] repairs them.
type Framework struct {
	HistoryID string         `json:"history_id"`
	Slots     []chat.Message `json:"slots"`
}

// Compile builds the framework for a session. A nil preset means
// [card.DefaultPreset]. Slots whose content is empty are dropped, depth
// injections are left to the candidate extractor, and a history slot is
// appended if the preset does not declare one.
func Compile(preset *card.Preset, persona *card.Persona, book *card.LoreBook, historyID string) *Framework {
	if preset == nil {
		preset = card.DefaultPreset()
	}
	if persona == nil {
		persona = &card.Persona{}
	}
	if historyID == "" {
		historyID = chat.DefaultHistoryID
	}

	fw := &Framework{HistoryID: historyID}
	placed := false
	for _, s := range preset.Slots {
		if !s.IsEnabled() || s.InjectAtDepth {
			continue
		}

		if s.Identifier == card.SlotChatHistory || s.Identifier == historyID {
			if placed {
				continue
			}
			fw.Slots = append(fw.Slots, placeholder(historyID, s.Name))
			placed = true
			continue
		}

		kind := chat.KindSlot
		var content string
		switch s.Identifier {
		case card.SlotCharDescription:
			content = persona.Description
		case card.SlotCharPersonality:
			content = persona.Personality
		case card.SlotScenario:
			content = persona.Scenario
		case card.SlotDialogueExamples:
			content = persona.ExampleDialogue
		case card.SlotMemorySummary:
			content = persona.MemorySummary
			kind = chat.KindMemorySummary
		case card.SlotWorldInfoBefore:
			content = worldInfo(book, chat.PositionBeforeChar)
		case card.SlotWorldInfoAfter:
			content = worldInfo(book, chat.PositionAfterChar)
		default:
			content = s.Content
		}
		if strings.TrimSpace(content) == "" {
			continue
		}

		role := chat.RoleSystem
		if s.Role != "" {
			if r, err := chat.ParseRole(s.Role); err == nil {
				role = r
			}
		}
		fw.Slots = append(fw.Slots, chat.Message{
			Role:       role,
			Text:       content,
			Kind:       kind,
			Identifier: s.Identifier,
			Name:       s.Name,
		})
	}

	if !placed {
		fw.Slots = append(fw.Slots, placeholder(historyID, "Chat History"))
	}
	return fw
}

func placeholder(historyID, name string) chat.Message {
	return chat.Message{Role: chat.RoleSystem, Kind: chat.KindHistory, Identifier: historyID, Name: name}
}

// worldInfo joins the constant, enabled lore entries at position p.
// Keyed entries at framework positions are not supported: the framework
// is compiled once per session, so there is no conversation to match.
func worldInfo(book *card.LoreBook, p chat.Position) string {
	var parts []string
	for _, e := range book.Sorted() {
		if !atPosition(e, p) || !isConstant(e) {
			continue
		}
		if c := strings.TrimSpace(e.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n")
}

// Unplaced names the enabled keyed entries of book at framework
// positions. Compile leaves them out and injection only weaves
// depth-addressed entries, so they never reach a request.
func Unplaced(book *card.LoreBook) []string {
	var names []string
	for _, e := range book.Sorted() {
		if isConstant(e) {
			continue
		}
		if atPosition(e, chat.PositionBeforeChar) || atPosition(e, chat.PositionAfterChar) {
			names = append(names, e.Name)
		}
	}
	return names
}

func atPosition(e card.NamedEntry, p chat.Position) bool {
	return !e.Disabled && e.Position != nil && chat.Position(*e.Position) == p
}

func isConstant(e card.NamedEntry) bool {
	return e.Constant == nil || *e.Constant
}

// Resolve substitutes woven history into a copy of fw. Any other slot
// that is or resembles a chat history slot is deleted, so the result
// holds the woven block exactly once. If no placeholder can be found the
// woven history is appended at the end. Both repairs are logged.
func Resolve(fw *Framework, woven []chat.Message, logger *slog.Logger) []chat.Message {
	if logger == nil {
		logger = slog.Default()
	}
	var slots []chat.Message
	historyID := chat.DefaultHistoryID
	if fw != nil {
		slots = chat.Clone(fw.Slots)
		if fw.HistoryID != "" {
			historyID = fw.HistoryID
		}
	}

	idx := placeholderIndex(slots, historyID)

	kept := slots[:0]
	removed := 0
	newIdx := -1
	for i, s := range slots {
		if i == idx {
			newIdx = len(kept)
			kept = append(kept, s)
			continue
		}
		if isHistorySlot(s, historyID) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	slots = kept

	if removed > 0 {
		logger.Warn("removed duplicate chat history slots",
			"history_id", historyID,
			"removed", removed,
		)
	}

	woven = chat.Clone(woven)
	if newIdx < 0 {
		logger.Warn("chat history placeholder not found, appending history at end",
			"history_id", historyID,
			"slots", len(slots),
		)
		return append(slots, woven...)
	}

	out := make([]chat.Message, 0, len(slots)-1+len(woven))
	out = append(out, slots[:newIdx]...)
	out = append(out, woven...)
	out = append(out, slots[newIdx+1:]...)
	return out
}

// placeholderIndex prefers an exact placeholder, then any placeholder,
// then any slot that merely looks like chat history.
func placeholderIndex(slots []chat.Message, historyID string) int {
	for i, s := range slots {
		if s.Kind == chat.KindHistory && s.Identifier == historyID {
			return i
		}
	}
	for i, s := range slots {
		if s.Kind == chat.KindHistory {
			return i
		}
	}
	for i, s := range slots {
		if isHistorySlot(s, historyID) {
			return i
		}
	}
	return -1
}

func isHistorySlot(m chat.Message, historyID string) bool {
	if m.Kind == chat.KindHistory {
		return true
	}
	if m.Identifier != "" && m.Identifier == historyID {
		return true
	}
	return resemblesHistory(m.Name) || resemblesHistory(m.Identifier)
}

func resemblesHistory(s string) bool {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return strings.Contains(b.String(), "chathistory")
}
