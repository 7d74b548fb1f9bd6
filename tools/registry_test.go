package tools

import (
	"strings"
	"testing"
)

func TestDefaultRegistryDefinitions(t *testing.T) {
	r := DefaultRegistry()

	defs := r.Definitions()
	if len(defs) == 0 {
		t.Fatal("expected registered tools")
	}
	if !r.Known("delete_document") {
		t.Fatal("delete_document should be registered")
	}

	def, ok := r.Describe("delete_document")
	if !ok {
		t.Fatal("Describe(delete_document) not found")
	}
	if !strings.Contains(string(def.InputSchema), "documentId") {
		t.Errorf("schema should mention documentId, got %s", def.InputSchema)
	}
}

func TestValidateArgs(t *testing.T) {
	r := DefaultRegistry()

	if err := r.ValidateArgs("delete_document", map[string]interface{}{"documentId": "doc-7"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}

	err := r.ValidateArgs("delete_document", map[string]interface{}{})
	if err == nil || !strings.Contains(err.Error(), "documentId") {
		t.Errorf("missing required field should be rejected, got %v", err)
	}

	err = r.ValidateArgs("delete_document", map[string]interface{}{
		"documentId": "doc-7",
		"force":      true,
	})
	if err == nil {
		t.Error("unknown field should be rejected")
	}

	err = r.ValidateArgs("rename_document", map[string]interface{}{
		"documentId": "doc-7",
		"name":       42,
	})
	if err == nil {
		t.Error("wrong field type should be rejected")
	}
}

func TestValidateArgsUnknownToolPasses(t *testing.T) {
	r := DefaultRegistry()
	if err := r.ValidateArgs("brand_new_tool", map[string]interface{}{"x": 1}); err != nil {
		t.Errorf("unknown tool must pass through, got %v", err)
	}
}
