package capture

// State identifies where a capture session is in its lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StatePreparing     State = "preparing"
	StateAutoTransport State = "auto_transport"
	StateRecording     State = "recording"
	StateStopping      State = "stopping"
	StateFailed        State = "failed"
)

// active reports whether the state still owns the deck.
func (s State) active() bool {
	switch s {
	case StatePreparing, StateAutoTransport, StateRecording, StateStopping:
		return true
	default:
		return false
	}
}

// validTransition enforces the session state machine edges. Idle doubles as
// the completed state: a cleanly stopped session returns to it.
func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StatePreparing
	case StatePreparing:
		return to == StateAutoTransport || to == StateRecording || to == StateStopping || to == StateFailed
	case StateAutoTransport:
		return to == StateRecording || to == StateStopping || to == StateFailed
	case StateRecording:
		return to == StateStopping || to == StateFailed
	case StateStopping:
		return to == StateIdle || to == StateFailed
	default:
		return false
	}
}
