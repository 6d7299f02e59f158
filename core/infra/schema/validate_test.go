package schema

import (
	"encoding/json"
	"testing"
)

func TestValidatorYAML(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"retry": {
				"type": "object",
				"properties": {"max_retries": {"type": "integer", "minimum": 0}}
			}
		}
	}`)
	v, err := Compile("retry", schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := v.ValidateYAML([]byte("retry:\n  max_retries: 3\n")); err != nil {
		t.Fatalf("expected valid document: %v", err)
	}
	if err := v.ValidateYAML([]byte("retry:\n  max_retries: -1\n")); err == nil {
		t.Fatalf("expected minimum violation")
	}
	if err := v.ValidateYAML([]byte("retry: [")); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := v.ValidateYAML(nil); err != nil {
		t.Fatalf("empty documents are valid: %v", err)
	}
	if err := v.Validate(map[string]any{"retry": map[string]any{"max_retries": "three"}}); err == nil {
		t.Fatalf("expected type violation")
	}
}

func TestNilValidator(t *testing.T) {
	var v *Validator
	if err := v.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected error for nil validator")
	}
}

func TestNormalizeValue(t *testing.T) {
	data := json.RawMessage(`{"k":"v"}`)
	val, err := normalizeValue(data)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	val, err = normalizeValue(map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("normalize map: %v", err)
	}
	if m, ok := val.(map[string]any); !ok || m["n"] != float64(3) {
		t.Fatalf("expected json-typed number, got %#v", val)
	}
}

func TestCompileEmpty(t *testing.T) {
	if _, err := Compile("test", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if _, err := Compile("test", []byte("  ")); err == nil {
		t.Fatalf("expected error for blank schema")
	}
}

func TestNormalizeValueInvalidJSON(t *testing.T) {
	if _, err := normalizeValue(json.RawMessage("{")); err == nil {
		t.Fatalf("expected error for invalid raw json")
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected error for invalid byte json")
	}
}

func TestSchemaIDDefault(t *testing.T) {
	if got := schemaID(""); got != "inmemory://schema" {
		t.Fatalf("unexpected schema id: %s", got)
	}
}
