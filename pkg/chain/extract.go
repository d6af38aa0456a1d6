package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a role reply carries no parseable JSON block.
var ErrNoJSON = errors.New("no JSON block in output")

var fenceOpenRe = regexp.MustCompile("(?i)```json\\s*")

// extractValue pulls the first JSON value out of free-form model text. A
// fenced ```json block wins; otherwise decoding starts at the first brace or
// bracket. Prose after the value is ignored.
func extractValue(text string) (any, error) {
	if text == "" {
		return nil, ErrNoJSON
	}
	start := -1
	if loc := fenceOpenRe.FindStringIndex(text); loc != nil {
		start = loc[1]
	} else if i := strings.IndexAny(text, "[{"); i >= 0 {
		start = i
	}
	if start < 0 || start >= len(text) {
		return nil, ErrNoJSON
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text[start:])))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, ErrNoJSON
	}
	return v, nil
}

// ExtractArray parses a role reply into its artifact list. The value must be
// a JSON array of objects.
func ExtractArray(text string) ([]map[string]any, error) {
	v, err := extractValue(text)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON array, got %T", v)
	}
	items := make([]map[string]any, 0, len(arr))
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("array element %d is not an object", i)
		}
		items = append(items, normalize(obj).(map[string]any))
	}
	return items, nil
}

// ExtractObject parses a role reply whose payload is a single JSON object,
// the triage decision shape.
func ExtractObject(text string) (map[string]any, error) {
	v, err := extractValue(text)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return normalize(obj).(map[string]any), nil
}

// normalize rewrites json.Number leaves as float64 so extracted values
// compare and re-marshal the same way as plainly unmarshalled JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, el := range t {
			t[k] = normalize(el)
		}
		return t
	case []any:
		for i, el := range t {
			t[i] = normalize(el)
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
