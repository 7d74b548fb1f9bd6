// Package protocol defines the framed event stream and resume channel wire
// types exchanged with the agent backend. Each stream frame is one JSON
// object per line with a "type" discriminator.
package protocol

import (
	"encoding/json"

	"github.com/docchat/docchat/logging"
)

// EventKind discriminates between stream event kinds.
type EventKind string

const (
	EventKindToken        EventKind = "token"
	EventKindUpdate       EventKind = "update"
	EventKindInterrupt    EventKind = "interrupt"
	EventKindDone         EventKind = "done"
	EventKindFinal        EventKind = "final"
	EventKindError        EventKind = "error"
	EventKindHeartbeat    EventKind = "heartbeat"
	EventKindMessageSaved EventKind = "message_saved"
)

// Event is the interface for all stream events.
type Event interface {
	EventKind() EventKind
}

// ToolCall status values carried on the wire and mirrored in session state.
const (
	ToolStatusAwaitingApproval = "awaiting_approval"
	ToolStatusApproved         = "approved"
	ToolStatusExecuting        = "executing"
	ToolStatusCompleted        = "completed"
	ToolStatusError            = "error"
	ToolStatusRejected         = "rejected"
)

// ToolCallPayload is the wire shape of a tool invocation named by an update
// or interrupt event.
type ToolCallPayload struct {
	ID               string                 `json:"id"`
	Tool             string                 `json:"tool"`
	Args             map[string]interface{} `json:"args,omitempty"`
	Status           string                 `json:"status,omitempty"`
	RequiresApproval bool                   `json:"requiresApproval,omitempty"`
	Result           json.RawMessage        `json:"result,omitempty"`
	RawOutput        json.RawMessage        `json:"rawOutput,omitempty"`
}

// TokenEvent carries one incremental content fragment.
type TokenEvent struct {
	Type  EventKind `json:"type"`
	Value string    `json:"value"`
}

// EventKind returns the event kind.
func (e TokenEvent) EventKind() EventKind { return EventKindToken }

// UpdateEvent carries status/metadata merges. It may itself name a single
// tool awaiting approval.
type UpdateEvent struct {
	Type          EventKind         `json:"type"`
	AgentName     string            `json:"agentName,omitempty"`
	Task          string            `json:"task,omitempty"`
	Status        string            `json:"status,omitempty"`
	IsCompleted   *bool             `json:"isCompleted,omitempty"`
	Tool          *ToolCallPayload  `json:"tool,omitempty"`
	ToolCalls     []ToolCallPayload `json:"toolCalls,omitempty"`
	ResponseType  string            `json:"responseType,omitempty"`
	Plan          json.RawMessage   `json:"plan,omitempty"`
	Clarification string            `json:"clarification,omitempty"`
}

// EventKind returns the event kind.
func (e UpdateEvent) EventKind() EventKind { return EventKindUpdate }

// IsTaskProgress reports whether the update carries a task progress triple.
func (e UpdateEvent) IsTaskProgress() bool { return e.Task != "" }

// InterruptEvent carries a batch approval request. The payload arrives in
// one of three shapes and must be normalized (see NormalizeInterrupt) before
// any downstream code sees it.
type InterruptEvent struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventKind returns the event kind.
func (e InterruptEvent) EventKind() EventKind { return EventKindInterrupt }

// ContextUsage reports how much of the model context window a turn consumed.
type ContextUsage struct {
	Used    int     `json:"used"`
	Limit   int     `json:"limit"`
	Percent float64 `json:"percent,omitempty"`
}

// DoneEvent finalizes the open message fields.
type DoneEvent struct {
	Type           EventKind       `json:"type"`
	TokensUsed     int             `json:"tokensUsed,omitempty"`
	RawToolOutputs json.RawMessage `json:"rawToolOutputs,omitempty"`
	ContextUsage   *ContextUsage   `json:"contextUsage,omitempty"`
	Agent          string          `json:"agent,omitempty"`
}

// EventKind returns the event kind.
func (e DoneEvent) EventKind() EventKind { return EventKindDone }

// FinalEvent is the post-approval completion payload.
type FinalEvent struct {
	Type  EventKind `json:"type"`
	Reply string    `json:"reply,omitempty"`
}

// EventKind returns the event kind.
func (e FinalEvent) EventKind() EventKind { return EventKindFinal }

// ErrorEvent aborts the turn with a server-provided message.
type ErrorEvent struct {
	Type    EventKind `json:"type"`
	Message string    `json:"error"`
}

// EventKind returns the event kind.
func (e ErrorEvent) EventKind() EventKind { return EventKindError }

// HeartbeatEvent keeps an interrupted stream alive.
type HeartbeatEvent struct {
	Type EventKind `json:"type"`
}

// EventKind returns the event kind.
func (e HeartbeatEvent) EventKind() EventKind { return EventKindHeartbeat }

// MessageSavedEvent confirms persistence of an optimistic message.
type MessageSavedEvent struct {
	Type      EventKind `json:"type"`
	Role      string    `json:"role"`
	DBID      int64     `json:"dbId"`
	SessionID string    `json:"sessionId"`
}

// EventKind returns the event kind.
func (e MessageSavedEvent) EventKind() EventKind { return EventKindMessageSaved }

// ParseEvent parses a single stream frame into its typed event. Unknown
// event kinds return (nil, nil) so callers can skip frames added by newer
// backends without failing the turn.
func ParseEvent(line []byte) (Event, error) {
	var base struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case EventKindToken:
		var e TokenEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindUpdate:
		var e UpdateEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindInterrupt:
		var e InterruptEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindDone:
		var e DoneEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindFinal:
		var e FinalEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindError:
		var e ErrorEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventKindHeartbeat:
		return HeartbeatEvent{Type: EventKindHeartbeat}, nil
	case EventKindMessageSaved:
		var e MessageSavedEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		logging.Get().Warnw("skipping unknown stream event kind", "kind", base.Type)
		return nil, nil
	}
}
