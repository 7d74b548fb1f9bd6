package session

// TurnPhase represents the orchestrator state machine:
// Idle -> Sending -> {Streaming <-> Interrupted} -> {Completed | Failed}.
// Completed and Failed are terminal for the turn; a new turn re-enters
// Sending from either.
type TurnPhase int

const (
	PhaseIdle TurnPhase = iota
	PhaseSending
	PhaseStreaming
	PhaseInterrupted
	PhaseCompleted
	PhaseFailed
)

func (p TurnPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseInterrupted:
		return "interrupted"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase ends a turn.
func (p TurnPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// canStartTurn reports whether a new turn may begin from p.
func (p TurnPhase) canStartTurn() bool {
	return p == PhaseIdle || p.Terminal()
}
