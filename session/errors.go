package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrTurnInProgress    = errors.New("a turn is already in progress")
	ErrNoSession         = errors.New("no session attached")
	ErrControllerClosed  = errors.New("controller is closed")
	ErrNoPendingApproval = errors.New("no approval is pending")
	ErrUnknownToolCall   = errors.New("unknown tool call")
	ErrApprovalInFlight  = errors.New("a decision for this tool call was already submitted")
	ErrEmptyTurn         = errors.New("turn has no content or plan steps")
)

// TransportError wraps a stream-level failure. It is terminal for the turn
// only; accumulated content is preserved and a new turn can be started.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ProtocolFailure carries the server-provided message from an explicit error
// event, surfaced verbatim.
type ProtocolFailure struct {
	Message string
}

func (e *ProtocolFailure) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}

// ApprovalError reports a failed resume submission. The optimistic
// approved/rejected status is intentionally not rolled back; the decision
// stays visible and the user is told the submission failed.
type ApprovalError struct {
	ToolCallID string
	Cause      error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("approval for %s failed: %v", e.ToolCallID, e.Cause)
}

func (e *ApprovalError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether a new turn can be started after err. All
// turn-level failures are recoverable; only a closed controller is not.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrControllerClosed)
}
