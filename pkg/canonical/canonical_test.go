package canonical

import (
	"testing"
)

func TestJSON_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJSON_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJSON_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// RFC 8785 forbids the < escaping encoding/json applies by default.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Stability(t *testing.T) {
	type payload struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	v1 := map[string]interface{}{"a": 1, "b": 2}
	v2 := payload{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("semantically equal payloads hashed differently: %s vs %s", h1, h2)
	}
}

func TestHash_Sensitivity(t *testing.T) {
	h1, _ := Hash(map[string]int{"a": 1})
	h2, _ := Hash(map[string]int{"a": 2})
	if h1 == h2 {
		t.Error("different payloads must not collide")
	}
}
