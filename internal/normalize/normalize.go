// Package normalize prepares assembled messages for transmission:
// placeholder substitution, the persona's regex rewrite rules, and the
// mapping onto the two-role schema backends accept.
package normalize

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
)

// DefaultRuleTimeout bounds a single rule's match time.
const DefaultRuleTimeout = 250 * time.Millisecond

// Vars are the placeholder values for one turn.
type Vars struct {
	Char        string // persona name, for {{char}}
	User        string // caller display name, for {{user}}; may be empty
	LastMessage string // current user text, for {{lastMessage}}
}

// Normalizer applies substitutions and rewrite rules. The zero value is
// not usable; construct with [New].
type Normalizer struct {
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Normalizer. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		logger:  logger.With("component", "normalize"),
		timeout: DefaultRuleTimeout,
	}
}

// SetRuleTimeout overrides the per-rule match timeout.
func (n *Normalizer) SetRuleTimeout(d time.Duration) { n.timeout = d }

var placeholderRE = regexp.MustCompile(`(?i)\{\{\s*(char|user|lastmessage)\s*\}\}`)

// Substitute replaces {{char}}, {{user}} and {{lastMessage}} in s in a
// single pass; substituted values are not rescanned.
func Substitute(s string, v Vars) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.ToLower(placeholderRE.FindStringSubmatch(m)[1])
		switch name {
		case "char":
			return v.Char
		case "user":
			return v.User
		default:
			return v.LastMessage
		}
	})
}

// Role maps a message onto the outgoing schema: model turns stay model,
// everything else becomes user, and memory summaries are always user.
func Role(m chat.Message) chat.Role {
	if m.Kind == chat.KindMemorySummary || m.Identifier == card.SlotMemorySummary {
		return chat.RoleUser
	}
	if m.Role == chat.RoleModel {
		return chat.RoleModel
	}
	return chat.RoleUser
}

// Normalize returns the outgoing form of msgs. Messages whose text is
// empty after trimming are dropped. Inputs are not modified.
func (n *Normalizer) Normalize(msgs []chat.Message, v Vars, rules []card.RegexRule) []chat.Message {
	compiled := n.compile(rules)

	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		m.Text = Substitute(m.Text, v)
		for _, r := range compiled {
			text, err := r.apply(m.Text)
			if err != nil {
				n.logger.Warn("regex rule failed, skipping",
					"rule", r.name,
					"error", err,
				)
				continue
			}
			m.Text = text
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		m.Role = Role(m)
		out = append(out, m)
	}
	return out
}

type rule struct {
	name  string
	re    *regexp2.Regexp
	repl  string
	count int
}

func (r rule) apply(s string) (string, error) {
	return r.re.Replace(s, r.repl, -1, r.count)
}

// compile prepares the enabled rules in order. Rules that do not
// compile are logged and skipped.
func (n *Normalizer) compile(rules []card.RegexRule) []rule {
	var out []rule
	for i, rr := range rules {
		if rr.Disabled || rr.Find == "" {
			continue
		}
		name := rr.Name
		if name == "" {
			name = rr.Find
		}

		pattern, flags := splitLiteral(rr.Find)
		flags += rr.Flags

		opts := regexp2.None
		count := 1
		for _, f := range flags {
			switch f {
			case 'g':
				count = -1
			case 'i':
				opts |= regexp2.IgnoreCase
			case 'm':
				opts |= regexp2.Multiline
			case 's':
				opts |= regexp2.Singleline
			}
		}

		re, err := regexp2.Compile(pattern, opts)
		if err != nil {
			n.logger.Warn("invalid regex rule, skipping",
				"index", i,
				"rule", name,
				"error", err,
			)
			continue
		}
		re.MatchTimeout = n.timeout
		out = append(out, rule{name: name, re: re, repl: rr.Replace, count: count})
	}
	return out
}

// splitLiteral accepts the /pattern/flags form. Anything else is taken
// as a bare pattern.
func splitLiteral(find string) (pattern, flags string) {
	if len(find) < 2 || find[0] != '/' {
		return find, ""
	}
	end := strings.LastIndexByte(find, '/')
	if end <= 0 {
		return find, ""
	}
	for _, f := range find[end+1:] {
		if !strings.ContainsRune("gimsuy", f) {
			return find, ""
		}
	}
	return find[1:end], find[end+1:]
}
