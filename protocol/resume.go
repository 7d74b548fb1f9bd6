package protocol

// TurnMode selects how a turn is opened.
type TurnMode string

const (
	// TurnModeMessage sends a fresh user message.
	TurnModeMessage TurnMode = "message"
	// TurnModePlan replays approved plan steps against the existing
	// conversation; no new user message is created.
	TurnModePlan TurnMode = "plan"
)

// TurnRequest is the body of the turn-open request whose response is the
// event stream.
type TurnRequest struct {
	Content   string   `json:"content,omitempty"`
	PlanSteps []string `json:"planSteps,omitempty"`
	Mode      TurnMode `json:"mode,omitempty"`
}

// ApprovalDecision is one human decision about a paused tool call.
type ApprovalDecision struct {
	Approved bool                   `json:"approved"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// ResumePayload keys decisions by tool call id.
type ResumePayload struct {
	Approvals map[string]ApprovalDecision `json:"approvals"`
}

// ResumeRequest is sent on the resume channel, independent of the open
// stream, to unblock an interrupted turn.
type ResumeRequest struct {
	SessionID string        `json:"sessionId"`
	Resume    ResumePayload `json:"resume"`
}

// ResumeResponse acknowledges a resume request.
type ResumeResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}
