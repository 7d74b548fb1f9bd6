package protocol

import (
	"encoding/json"
	"testing"
)

const toolApprovalTools = `"tools":[{"id":"t1","tool":"search_documents","args":{"q":"go"},"requiresApproval":true}]`

func TestNormalizeInterrupt_ArrayShape(t *testing.T) {
	payload := json.RawMessage(`[{"value":{"type":"tool_approval",` + toolApprovalTools + `}}]`)
	req, err := NormalizeInterrupt(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(req.Tools))
	}
	if req.Tools[0].ID != "t1" {
		t.Errorf("unexpected tool id: %q", req.Tools[0].ID)
	}
}

func TestNormalizeInterrupt_WrappedShape(t *testing.T) {
	payload := json.RawMessage(`{"value":{"type":"tool_approval",` + toolApprovalTools + `}}`)
	req, err := NormalizeInterrupt(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Tool != "search_documents" {
		t.Errorf("unexpected tools: %+v", req.Tools)
	}
}

func TestNormalizeInterrupt_DirectShape(t *testing.T) {
	payload := json.RawMessage(`{"type":"tool_approval",` + toolApprovalTools + `}`)
	req, err := NormalizeInterrupt(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 1 || !req.Tools[0].RequiresApproval {
		t.Errorf("unexpected tools: %+v", req.Tools)
	}
}

func TestNormalizeInterrupt_ArrayConcatenatesBatches(t *testing.T) {
	payload := json.RawMessage(`[
		{"value":{"type":"tool_approval","tools":[{"id":"t1","tool":"a"}]}},
		{"value":{"type":"tool_approval","tools":[{"id":"t2","tool":"b"}]}}
	]`)
	req, err := NormalizeInterrupt(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(req.Tools))
	}
}

func TestNormalizeInterrupt_UnrecognizedShape(t *testing.T) {
	cases := map[string]string{
		"wrong value type": `{"value":{"type":"plan_review","tools":[]}}`,
		"no tools":         `{"type":"tool_approval","tools":[]}`,
		"scalar":           `42`,
		"empty":            ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NormalizeInterrupt(json.RawMessage(raw)); err == nil {
				t.Errorf("expected error for payload %q", raw)
			}
		})
	}
}
