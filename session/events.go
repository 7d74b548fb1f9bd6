package session

import "encoding/json"

// EventType discriminates between controller event kinds.
type EventType int

const (
	// EventTypeText fires for each accumulated content fragment.
	EventTypeText EventType = iota
	// EventTypeStatus fires when a status entry is created or updated.
	EventTypeStatus
	// EventTypeApprovalRequired fires when the turn pauses on tool approval.
	EventTypeApprovalRequired
	// EventTypeToolUpdate fires on tool call status transitions.
	EventTypeToolUpdate
	// EventTypePlan fires when the assistant proposes a plan.
	EventTypePlan
	// EventTypeMessageSaved fires after identifier reconciliation.
	EventTypeMessageSaved
	// EventTypeTurnComplete fires exactly once per turn, on any terminal phase.
	EventTypeTurnComplete
	// EventTypeNotice fires for non-terminal problems the user should see.
	EventTypeNotice
	// EventTypePhaseChange fires on orchestrator phase transitions.
	EventTypePhaseChange
)

// Event is the interface for all controller events.
type Event interface {
	Type() EventType
}

// TextEvent carries one content fragment and the full accumulated content.
type TextEvent struct {
	MessageID MessageID
	Delta     string
	Content   string
	Turn      int
}

// Type returns the event type.
func (e TextEvent) Type() EventType { return EventTypeText }

// StatusEvent carries a status entry change.
type StatusEvent struct {
	MessageID MessageID
	Task      string
	Text      string
	Completed bool
	Turn      int
}

// Type returns the event type.
func (e StatusEvent) Type() EventType { return EventTypeStatus }

// ApprovalRequiredEvent carries the tools the turn paused on.
type ApprovalRequiredEvent struct {
	ToolCalls []ToolCall
	Turn      int
}

// Type returns the event type.
func (e ApprovalRequiredEvent) Type() EventType { return EventTypeApprovalRequired }

// ToolUpdateEvent carries a tool call status transition.
type ToolUpdateEvent struct {
	ToolCall ToolCall
	Turn     int
}

// Type returns the event type.
func (e ToolUpdateEvent) Type() EventType { return EventTypeToolUpdate }

// PlanEvent carries a proposed plan and optional clarification request.
type PlanEvent struct {
	Plan          json.RawMessage
	Clarification string
	Turn          int
}

// Type returns the event type.
func (e PlanEvent) Type() EventType { return EventTypePlan }

// MessageSavedEvent reports an identifier reconciliation.
type MessageSavedEvent struct {
	Old  MessageID
	New  MessageID
	Role Role
	Turn int
}

// Type returns the event type.
func (e MessageSavedEvent) Type() EventType { return EventTypeMessageSaved }

// TurnCompleteEvent fires when a turn reaches a terminal phase. Err is nil
// on normal completion.
type TurnCompleteEvent struct {
	Err        error
	Phase      TurnPhase
	TokensUsed int
	Turn       int
}

// Type returns the event type.
func (e TurnCompleteEvent) Type() EventType { return EventTypeTurnComplete }

// NoticeEvent surfaces a non-terminal problem (malformed interrupt, failed
// approval submission) so the UI never stalls silently.
type NoticeEvent struct {
	Err     error
	Context string
	Turn    int
}

// Type returns the event type.
func (e NoticeEvent) Type() EventType { return EventTypeNotice }

// PhaseChangeEvent fires on orchestrator phase transitions.
type PhaseChangeEvent struct {
	From TurnPhase
	To   TurnPhase
	Turn int
}

// Type returns the event type.
func (e PhaseChangeEvent) Type() EventType { return EventTypePhaseChange }
