package session

import (
	"encoding/json"
	"time"

	"github.com/docchat/docchat/protocol"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ResponseType distinguishes a plain answer from a plan proposal.
type ResponseType string

const (
	ResponseAnswer ResponseType = "answer"
	ResponsePlan   ResponseType = "plan"
)

// ToolCall is one tool invocation attached to an assistant message.
// Status transitions are monotonic; a duplicate notification of the same
// pending state is absorbed in place rather than re-appended.
type ToolCall struct {
	ID               string
	Tool             string
	Args             map[string]interface{}
	Status           string
	RequiresApproval bool
	Result           json.RawMessage
	RawOutput        json.RawMessage
}

// clone returns a copy with its own Args map.
func (t *ToolCall) clone() *ToolCall {
	out := *t
	if t.Args != nil {
		out.Args = make(map[string]interface{}, len(t.Args))
		for k, v := range t.Args {
			out.Args[k] = v
		}
	}
	return &out
}

// Message is the unit of conversation exposed to renderers. Content is
// mutable while its turn streams; once the turn ends the message is final.
type Message struct {
	ID         MessageID
	Role       Role
	Content    string
	TokensUsed int
	CreatedAt  time.Time

	// Agent metadata accumulated from update events.
	AgentName string
	ToolCalls []ToolCall

	// StatusTask marks an ephemeral status entry; empty for real messages.
	StatusTask string
	StatusDone bool

	ResponseType   ResponseType
	Plan           json.RawMessage
	Clarification  string
	RawToolOutputs json.RawMessage
	ContextUsage   *protocol.ContextUsage
}

// IsStatus reports whether the message is an ephemeral status entry.
func (m *Message) IsStatus() bool { return m.ID.Kind == IDEphemeralStatus }

// findToolCall returns the tool call with the given id, or by name when the
// id is absent from the payload that named it.
func (m *Message) findToolCall(id, tool string) *ToolCall {
	for i := range m.ToolCalls {
		if id != "" && m.ToolCalls[i].ID == id {
			return &m.ToolCalls[i]
		}
		if id == "" && tool != "" && m.ToolCalls[i].Tool == tool {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// cloneMessage returns a render-safe copy; slices and maps are copied so a
// renderer never observes mid-event mutation.
func cloneMessage(m *Message) Message {
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
		for i := range out.ToolCalls {
			if args := m.ToolCalls[i].Args; args != nil {
				copied := make(map[string]interface{}, len(args))
				for k, v := range args {
					copied[k] = v
				}
				out.ToolCalls[i].Args = copied
			}
		}
	}
	if m.ContextUsage != nil {
		usage := *m.ContextUsage
		out.ContextUsage = &usage
	}
	return out
}
