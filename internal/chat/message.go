// Package chat defines the message model shared by every stage of turn
// assembly: framework slots, real dialogue turns, and the dynamic entries
// woven between them at send time.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the speaker of a message. Only [RoleUser] and [RoleModel]
// survive normalization; [RoleSystem] appears in framework slots.
type Role int

const (
	RoleUser Role = iota
	RoleModel
	RoleSystem
)

// ParseRole converts a wire role name into a Role. "assistant" is an
// alias for model. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "":
		return RoleUser, nil
	case "model", "assistant":
		return RoleModel, nil
	case "system":
		return RoleSystem, nil
	default:
		return RoleUser, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleModel:
		return "model"
	case RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Kind says what a message is, as opposed to who said it.
type Kind int

const (
	// KindTurn is a real dialogue turn.
	KindTurn Kind = iota
	// KindOpening is the persona's opening line. It is a real turn.
	KindOpening
	// KindDynamic is a lore-derived entry injected at send time.
	KindDynamic
	// KindAuthorNote is the injected Author's Note. It is dynamic.
	KindAuthorNote
	// KindSlot is a static framework slot (system prompt, description, ...).
	KindSlot
	// KindMemorySummary is a framework slot carrying a memory summary.
	KindMemorySummary
	// KindHistory is the framework's chat history placeholder.
	KindHistory
)

var kindNames = map[Kind]string{
	KindTurn:          "turn",
	KindOpening:       "opening",
	KindDynamic:       "dynamic",
	KindAuthorNote:    "author_note",
	KindSlot:          "slot",
	KindMemorySummary: "memory_summary",
	KindHistory:       "history",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("invalid message kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" {
		*k = KindTurn
		return nil
	}
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown message kind %q", s)
}

// Position says where a candidate entry is placed.
type Position int

const (
	PositionBeforeChar Position = iota // framework, before the character definition
	PositionAfterChar                  // framework, after the character definition
	PositionBeforeNote                 // history, immediately before the Author's Note
	PositionAfterNote                  // history, immediately after the Author's Note
	PositionAtDepth                    // history, counted back from the anchor

	// DefaultPosition applies when an entry does not declare one.
	DefaultPosition = PositionAtDepth
)

// ParsePosition validates a numeric position.
func ParsePosition(n int) (Position, error) {
	if n < int(PositionBeforeChar) || n > int(PositionAtDepth) {
		return DefaultPosition, fmt.Errorf("position %d out of range 0-4", n)
	}
	return Position(n), nil
}

// UnmarshalJSON rejects out-of-range positions.
func (p *Position) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	v, err := ParsePosition(n)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Message is the atomic unit of a request. Real turns carry Role and
// Text; dynamic entries additionally carry the placement metadata they
// were injected with, so they can be stripped and debugged later.
type Message struct {
	Role       Role     `json:"role"`
	Text       string   `json:"text"`
	Kind       Kind     `json:"kind"`
	Identifier string   `json:"identifier,omitempty"`
	Name       string   `json:"name,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	Position   Position `json:"position,omitempty"`
	Constant   bool     `json:"constant,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

// IsReal reports whether m is a user/model dialogue turn.
func (m Message) IsReal() bool {
	return m.Kind == KindTurn || m.Kind == KindOpening
}

// IsDynamic reports whether m was injected at send time.
func (m Message) IsDynamic() bool {
	return m.Kind == KindDynamic || m.Kind == KindAuthorNote
}

// IsFirstMessage reports whether m is the persona's opening line.
func (m Message) IsFirstMessage() bool { return m.Kind == KindOpening }

// IsAuthorNote reports whether m is the injected Author's Note.
func (m Message) IsAuthorNote() bool { return m.Kind == KindAuthorNote }

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	if m.Keys != nil {
		m.Keys = append([]string(nil), m.Keys...)
	}
	return m
}

// Clone copies a message slice deeply.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Real returns the messages of msgs that are not dynamic entries, in
// order. The result never aliases msgs.
func Real(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsDynamic() {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}
