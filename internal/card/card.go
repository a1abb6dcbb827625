// Package card defines the per-session documents a persona chat is
// assembled from: the Persona itself, its LoreBook, the Preset that
// orders the framework, and the optional Author's Note.
//
// Documents are validated here, at the storage boundary, so that the
// assembly stages downstream only ever see well-formed values.
package card

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/loom/internal/chat"
)

// FieldError names the required fields a document is missing.
type FieldError struct {
	Document string
	Fields   []string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: missing required field(s): %s", e.Document, strings.Join(e.Fields, ", "))
}

// RegexRule is one ordered rewrite applied to outgoing text.
type RegexRule struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Find     string `json:"find" yaml:"find"`
	Replace  string `json:"replace" yaml:"replace"`
	Flags    string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Persona is the character definition.
type Persona struct {
	Name            string      `json:"name" yaml:"name"`
	FirstMessage    string      `json:"first_message,omitempty" yaml:"first_message,omitempty"`
	Description     string      `json:"description,omitempty" yaml:"description,omitempty"`
	Personality     string      `json:"personality,omitempty" yaml:"personality,omitempty"`
	Scenario        string      `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	ExampleDialogue string      `json:"example_dialogue,omitempty" yaml:"example_dialogue,omitempty"`
	MemorySummary   string      `json:"memory_summary,omitempty" yaml:"memory_summary,omitempty"`
	RegexRules      []RegexRule `json:"regex_rules,omitempty" yaml:"regex_rules,omitempty"`
}

// Validate reports every missing required field.
func (p *Persona) Validate() error {
	if p == nil {
		return &FieldError{Document: "persona", Fields: []string{"name"}}
	}
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return &FieldError{Document: "persona", Fields: missing}
	}
	return nil
}

// LoreEntry is one conditionally activated context fragment. Pointer
// fields distinguish "unset" from the zero value so that defaults can be
// applied by the extractor.
type LoreEntry struct {
	Content  string   `json:"content" yaml:"content"`
	Position *int     `json:"position,omitempty" yaml:"position,omitempty"`
	Constant *bool    `json:"constant,omitempty" yaml:"constant,omitempty"`
	Key      []string `json:"key,omitempty" yaml:"key,omitempty"`
	Depth    *int     `json:"depth,omitempty" yaml:"depth,omitempty"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Order    int      `json:"order,omitempty" yaml:"order,omitempty"`
}

// LoreBook is a named pool of lore entries.
type LoreBook struct {
	Name    string               `json:"name,omitempty" yaml:"name,omitempty"`
	Entries map[string]LoreEntry `json:"entries" yaml:"entries"`
}

// NamedEntry pairs a lore entry with its map key.
type NamedEntry struct {
	Name string
	LoreEntry
}

// Sorted returns the book's entries in a deterministic order: by Order,
// then by name. A nil book yields nil.
func (b *LoreBook) Sorted() []NamedEntry {
	if b == nil {
		return nil
	}
	out := make([]NamedEntry, 0, len(b.Entries))
	for name, e := range b.Entries {
		out = append(out, NamedEntry{Name: name, LoreEntry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Validate checks every entry's position.
func (b *LoreBook) Validate() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, e := range b.Sorted() {
		if e.Position == nil {
			continue
		}
		if _, err := chat.ParsePosition(*e.Position); err != nil {
			errs = append(errs, fmt.Errorf("lorebook entry %q: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Well-known preset slot identifiers.
const (
	SlotMain             = "main"
	SlotWorldInfoBefore  = "worldInfoBefore"
	SlotCharDescription  = "charDescription"
	SlotCharPersonality  = "charPersonality"
	SlotScenario         = "scenario"
	SlotWorldInfoAfter   = "worldInfoAfter"
	SlotDialogueExamples = "dialogueExamples"
	SlotMemorySummary    = "memorySummary"
	SlotChatHistory      = "chatHistory"
)

// Slot is one entry of a Preset. Slots with a well-known identifier are
// filled from the persona or lorebook; any other slot carries its own
// Content. InjectAtDepth slots are not part of the framework at all:
// they become dynamic candidates at Depth.
type Slot struct {
	Identifier    string `json:"identifier" yaml:"identifier"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Role          string `json:"role,omitempty" yaml:"role,omitempty"`
	Content       string `json:"content,omitempty" yaml:"content,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	InjectAtDepth bool   `json:"inject_at_depth,omitempty" yaml:"inject_at_depth,omitempty"`
	Depth         int    `json:"depth,omitempty" yaml:"depth,omitempty"`
}

// IsEnabled reports whether the slot participates; unset means enabled.
func (s Slot) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Preset is the ordered template of framework slots.
type Preset struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Slots []Slot `json:"slots" yaml:"slots"`
}

// Validate checks slot roles and identifiers.
func (p *Preset) Validate() error {
	if p == nil {
		return nil
	}
	var errs []error
	for i, s := range p.Slots {
		if strings.TrimSpace(s.Identifier) == "" {
			errs = append(errs, fmt.Errorf("preset slot %d: missing identifier", i))
		}
		if _, err := chat.ParseRole(s.Role); err != nil {
			errs = append(errs, fmt.Errorf("preset slot %q: %w", s.Identifier, err))
		}
		if s.Depth < 0 {
			errs = append(errs, fmt.Errorf("preset slot %q: negative depth %d", s.Identifier, s.Depth))
		}
	}
	return errors.Join(errs...)
}

// DefaultPreset returns the standard slot order.
func DefaultPreset() *Preset {
	return &Preset{
		Name: "default",
		Slots: []Slot{
			{Identifier: SlotMain, Name: "Main Prompt", Role: "system",
				Content: "Write {{char}}'s next reply in a fictional chat between {{char}} and {{user}}. Stay in character."},
			{Identifier: SlotWorldInfoBefore, Name: "World Info (before)", Role: "system"},
			{Identifier: SlotCharDescription, Name: "Char Description", Role: "system"},
			{Identifier: SlotCharPersonality, Name: "Char Personality", Role: "system"},
			{Identifier: SlotScenario, Name: "Scenario", Role: "system"},
			{Identifier: SlotWorldInfoAfter, Name: "World Info (after)", Role: "system"},
			{Identifier: SlotDialogueExamples, Name: "Chat Examples", Role: "system"},
			{Identifier: SlotMemorySummary, Name: "Memory Summary", Role: "user"},
			{Identifier: SlotChatHistory, Name: "Chat History"},
		},
	}
}

// AuthorNote is the optional steering note injected into history.
type AuthorNote struct {
	Content  string `json:"content" yaml:"content"`
	Depth    *int   `json:"depth,omitempty" yaml:"depth,omitempty"`
	Position *int   `json:"position,omitempty" yaml:"position,omitempty"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
}

// DefaultAuthorNoteDepth is where the note sits when no depth is given.
const DefaultAuthorNoteDepth = 4

// Validate checks the note's role and position.
func (n *AuthorNote) Validate() error {
	if n == nil {
		return nil
	}
	if _, err := chat.ParseRole(n.Role); err != nil {
		return fmt.Errorf("author note: %w", err)
	}
	if n.Position != nil {
		if _, err := chat.ParsePosition(*n.Position); err != nil {
			return fmt.Errorf("author note: %w", err)
		}
	}
	return nil
}
