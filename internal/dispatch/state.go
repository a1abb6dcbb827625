package dispatch

// state is a node of the dispatch state machine.
type state int

const (
	stateIdle state = iota
	stateSelectingKey
	stateSending
	stateSuccess
	stateKeyExhausted
	stateModelFallback
	stateRelayFallback
	stateFatal
)

var stateNames = [...]string{
	stateIdle:          "idle",
	stateSelectingKey:  "selecting_key",
	stateSending:       "sending",
	stateSuccess:       "success",
	stateKeyExhausted:  "key_exhausted",
	stateModelFallback: "model_fallback",
	stateRelayFallback: "relay_fallback",
	stateFatal:         "fatal",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// terminal reports whether the machine stops in s.
func (s state) terminal() bool { return s == stateSuccess || s == stateFatal }

// step is the full machine position: the state plus the key index and
// model currently being tried.
type step struct {
	state  state
	key    int
	backup bool
}

// limits is what the machine knows about its configuration.
type limits struct {
	keys     int
	fallback bool // a backup model is configured and enabled
	relay    bool
}

// next is the transition function. err is the outcome of the attempt
// made in s, and is ignored for states that make no attempt.
func next(s step, l limits, err error) step {
	switch s.state {
	case stateIdle:
		if l.keys > 0 {
			return step{state: stateSelectingKey}
		}
		if l.relay {
			return step{state: stateRelayFallback}
		}
		return step{state: stateFatal}

	case stateSelectingKey:
		if s.key < l.keys {
			return step{state: stateSending, key: s.key, backup: s.backup}
		}
		return step{state: stateKeyExhausted, key: s.key, backup: s.backup}

	case stateSending:
		if err == nil {
			return step{state: stateSuccess, key: s.key, backup: s.backup}
		}
		return step{state: stateSelectingKey, key: s.key + 1, backup: s.backup}

	case stateKeyExhausted:
		if !s.backup && l.fallback {
			return step{state: stateModelFallback}
		}
		if l.relay {
			return step{state: stateRelayFallback, backup: s.backup}
		}
		return step{state: stateFatal, backup: s.backup}

	case stateModelFallback:
		return step{state: stateSelectingKey, backup: true}

	case stateRelayFallback:
		if err == nil {
			return step{state: stateSuccess, backup: s.backup}
		}
		return step{state: stateFatal, backup: s.backup}
	}
	return s
}
