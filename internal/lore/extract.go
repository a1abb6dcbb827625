// Package lore turns a session's lore sources into candidate entries and
// weaves the active ones into chat history at send time.
//
// Both stages are pure: they never mutate their inputs, and the weave is
// idempotent, so a request can be rebuilt byte-for-byte on every retry.
package lore

import (
	"strings"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
)

// AuthorNoteID is the identifier carried by the injected Author's Note.
const AuthorNoteID = "authorNote"

// Candidate is a lore or Author's Note fragment that may be injected.
// Candidates are derived fresh every turn and never persisted.
type Candidate struct {
	Name       string
	Identifier string
	Content    string
	Role       chat.Role
	Position   chat.Position
	Depth      int
	Constant   bool
	Keys       []string
	AuthorNote bool
}

func (c Candidate) message() chat.Message {
	kind := chat.KindDynamic
	if c.AuthorNote {
		kind = chat.KindAuthorNote
	}
	var keys []string
	if c.Keys != nil {
		keys = append([]string(nil), c.Keys...)
	}
	return chat.Message{
		Role:       c.Role,
		Text:       c.Content,
		Kind:       kind,
		Identifier: c.Identifier,
		Name:       c.Name,
		Depth:      c.Depth,
		Position:   c.Position,
		Constant:   c.Constant,
		Keys:       keys,
	}
}

// Extract flattens the preset's depth injections, every enabled lore
// entry, and the Author's Note into candidates. Nothing is filtered by
// trigger keys here; that is [Inject]'s job.
func Extract(preset *card.Preset, book *card.LoreBook, note *card.AuthorNote) []Candidate {
	var out []Candidate

	if preset != nil {
		for _, s := range preset.Slots {
			if !s.InjectAtDepth || !s.IsEnabled() {
				continue
			}
			role, _ := chat.ParseRole(s.Role)
			name := s.Name
			if name == "" {
				name = s.Identifier
			}
			out = append(out, Candidate{
				Name:       name,
				Identifier: s.Identifier,
				Content:    s.Content,
				Role:       role,
				Position:   chat.PositionAtDepth,
				Depth:      s.Depth,
				Constant:   true,
			})
		}
	}

	for _, e := range book.Sorted() {
		if e.Disabled {
			continue
		}
		c := Candidate{
			Name:       e.Name,
			Identifier: e.Name,
			Content:    e.Content,
			Role:       chat.RoleSystem,
			Position:   chat.DefaultPosition,
			Constant:   true,
		}
		if e.Position != nil {
			if p, err := chat.ParsePosition(*e.Position); err == nil {
				c.Position = p
			}
		}
		if e.Depth != nil {
			c.Depth = *e.Depth
		}
		if e.Constant != nil {
			c.Constant = *e.Constant
		}
		if len(e.Key) > 0 {
			c.Keys = append([]string(nil), e.Key...)
		}
		out = append(out, c)
	}

	if note != nil && strings.TrimSpace(note.Content) != "" {
		role, err := chat.ParseRole(note.Role)
		if err != nil || note.Role == "" {
			role = chat.RoleSystem
		}
		c := Candidate{
			Name:       "Author's Note",
			Identifier: AuthorNoteID,
			Content:    note.Content,
			Role:       role,
			Position:   chat.DefaultPosition,
			Depth:      card.DefaultAuthorNoteDepth,
			Constant:   true,
			AuthorNote: true,
		}
		if note.Depth != nil {
			c.Depth = *note.Depth
		}
		if note.Position != nil {
			if p, err := chat.ParsePosition(*note.Position); err == nil {
				c.Position = p
			}
		}
		out = append(out, c)
	}

	return out
}
