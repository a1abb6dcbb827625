package lore

import (
	"strings"

	"github.com/nugget/loom/internal/chat"
)

// Anchor returns the index of the last real user message whose text is
// exactly text. If there is none it falls back to the last message and
// reports found=false; for an empty history the index is -1.
func Anchor(turns []chat.Message, text string) (index int, found bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == chat.RoleUser && turns[i].Text == text {
			return i, true
		}
	}
	return len(turns) - 1, false
}

// Active reports which candidates apply to turns. Author's Notes and
// constant entries always apply; keyed entries apply when any trigger
// key occurs, case-insensitively, in the conversation text.
func Active(turns []chat.Message, candidates []Candidate) []Candidate {
	var corpus string
	corpusBuilt := false

	var out []Candidate
	for _, c := range candidates {
		switch {
		case c.AuthorNote, c.Constant:
			out = append(out, c)
		default:
			if !corpusBuilt {
				texts := make([]string, len(turns))
				for i, m := range turns {
					texts[i] = m.Text
				}
				corpus = strings.ToLower(strings.Join(texts, "\n"))
				corpusBuilt = true
			}
			if triggered(corpus, c.Keys) {
				out = append(out, c)
			}
		}
	}
	return out
}

func triggered(corpus string, keys []string) bool {
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if strings.Contains(corpus, k) {
			return true
		}
	}
	return false
}

// Inject rebuilds history with the active candidates woven in around
// the anchor turn. Previously injected entries are discarded first, so
// Inject(Inject(h, c, a), c, a) == Inject(h, c, a).
//
// Depth-addressed entries (position 4) at depth d > 0 go immediately
// before the real message d turns back from the anchor; depth 0 entries
// go immediately after the anchor. Depths that reach past the start of
// history are dropped. Position 2 and 3 entries are placed immediately
// before and after the Author's Note.
func Inject(history []chat.Message, candidates []Candidate, anchorText string) []chat.Message {
	turns := chat.Real(history)
	anchor, _ := Anchor(turns, anchorText)
	valid := Active(turns, candidates)

	byDepth := make(map[int][]chat.Message)
	var beforeNote, afterNote []chat.Message
	var note *chat.Message
	for _, c := range valid {
		m := c.message()
		if c.AuthorNote && note == nil {
			n := m
			note = &n
		}
		switch c.Position {
		case chat.PositionAtDepth:
			byDepth[c.Depth] = append(byDepth[c.Depth], m)
		case chat.PositionBeforeNote:
			if !c.AuthorNote {
				beforeNote = append(beforeNote, m)
			}
		case chat.PositionAfterNote:
			if !c.AuthorNote {
				afterNote = append(afterNote, m)
			}
		}
	}

	woven := make([]chat.Message, 0, len(turns)+len(valid))
	for i, m := range turns {
		if d := anchor - i; d > 0 {
			woven = append(woven, byDepth[d]...)
		}
		woven = append(woven, m)
		if i == anchor {
			woven = append(woven, byDepth[0]...)
		}
	}

	at := -1
	for i, m := range woven {
		if m.IsAuthorNote() {
			at = i
			break
		}
	}
	if at < 0 {
		if note == nil {
			return woven
		}
		woven = append(woven, *note)
		at = len(woven) - 1
	}

	out := make([]chat.Message, 0, len(woven)+len(beforeNote)+len(afterNote))
	out = append(out, woven[:at]...)
	out = append(out, beforeNote...)
	out = append(out, woven[at])
	out = append(out, afterNote...)
	out = append(out, woven[at+1:]...)
	return out
}
