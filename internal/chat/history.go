package chat

// DefaultHistoryID identifies the chat history slot when a history does
// not carry its own identifier.
const DefaultHistoryID = "chatHistory"

// History is a session's durable dialogue. Only real turns are
// persisted; dynamic entries exist transiently for one send.
type History struct {
	Identifier string    `json:"identifier"`
	Messages   []Message `json:"messages"`
}

// ID returns the history slot identifier, falling back to
// [DefaultHistoryID].
func (h *History) ID() string {
	if h == nil || h.Identifier == "" {
		return DefaultHistoryID
	}
	return h.Identifier
}

// LastReal returns the last real message and true, or a zero Message
// and false if msgs has none.
func LastReal(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsReal() {
			return msgs[i], true
		}
	}
	return Message{}, false
}
