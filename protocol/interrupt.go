package protocol

import (
	"encoding/json"
	"fmt"
)

// ToolApprovalRequest is the normalized form of an interrupt payload: the
// batch of tools the backend paused on.
type ToolApprovalRequest struct {
	Tools []ToolCallPayload `json:"tools"`
}

// interruptValue is the inner {type, tools} object shared by all three wire
// shapes.
type interruptValue struct {
	Type  string            `json:"type"`
	Tools []ToolCallPayload `json:"tools"`
}

// NormalizeInterrupt reduces the three interrupt payload shapes to a single
// ToolApprovalRequest:
//
//  1. an array of {"value":{"type":"tool_approval","tools":[...]}}
//  2. a direct {"value":{"type":"tool_approval","tools":[...]}}
//  3. a direct {"type":"tool_approval","tools":[...]}
//
// Any other shape is an error; the caller decides how to surface it.
func NormalizeInterrupt(payload json.RawMessage) (*ToolApprovalRequest, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty interrupt payload")
	}

	// Shape 1: array of wrapped values. Tools from every element are
	// concatenated; the backend has only ever sent one element, but the
	// shape permits more.
	var wrappedList []struct {
		Value interruptValue `json:"value"`
	}
	if err := json.Unmarshal(payload, &wrappedList); err == nil && len(wrappedList) > 0 {
		req := &ToolApprovalRequest{}
		for _, w := range wrappedList {
			if w.Value.Type != "tool_approval" {
				return nil, fmt.Errorf("unexpected interrupt value type %q", w.Value.Type)
			}
			req.Tools = append(req.Tools, w.Value.Tools...)
		}
		if len(req.Tools) == 0 {
			return nil, fmt.Errorf("interrupt names no tools")
		}
		return req, nil
	}

	// Shape 2: single wrapped value.
	var wrapped struct {
		Value *interruptValue `json:"value"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Value != nil {
		if wrapped.Value.Type != "tool_approval" {
			return nil, fmt.Errorf("unexpected interrupt value type %q", wrapped.Value.Type)
		}
		if len(wrapped.Value.Tools) == 0 {
			return nil, fmt.Errorf("interrupt names no tools")
		}
		return &ToolApprovalRequest{Tools: wrapped.Value.Tools}, nil
	}

	// Shape 3: direct value.
	var direct interruptValue
	if err := json.Unmarshal(payload, &direct); err == nil && direct.Type == "tool_approval" {
		if len(direct.Tools) == 0 {
			return nil, fmt.Errorf("interrupt names no tools")
		}
		return &ToolApprovalRequest{Tools: direct.Tools}, nil
	}

	return nil, fmt.Errorf("unrecognized interrupt payload shape")
}
