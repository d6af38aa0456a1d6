// Package schema validates role artifacts against compiled JSON Schemas.
// Structural shape lives here; reference resolution (do the refs point at
// artifacts that already exist) is the registry's job.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Ledgerline-Labs/keel/pkg/config"
)

// Validator holds one compiled schema per role.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schema for each role shape. Shapes without an
// explicit schema fall back to the built-in one for that role; roles with
// neither are accepted structurally (exclusion lists still apply upstream).
func NewValidator(shapes map[string]config.RoleShape) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for role, shape := range shapes {
		src := string(shape.Schema)
		if src == "" {
			src = defaultSchemas[role]
		}
		if src == "" {
			continue
		}
		compiled, err := compile(role, src)
		if err != nil {
			return nil, err
		}
		v.schemas[role] = compiled
	}
	return v, nil
}

func compile(role, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://keel.schemas.local/roles/%s.schema.json", strings.ToLower(role))
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("schema load for role %s: %w", role, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile for role %s: %w", role, err)
	}
	return compiled, nil
}

// Validate checks the role's artifact array against its compiled schema.
// Roles without a schema pass.
func (v *Validator) Validate(role string, items []map[string]any) error {
	s, ok := v.schemas[role]
	if !ok {
		return nil
	}
	// jsonschema validates any-typed trees, so re-box the slice.
	boxed := make([]any, len(items))
	for i, it := range items {
		boxed[i] = map[string]any(it)
	}
	if err := s.Validate(boxed); err != nil {
		return fmt.Errorf("role %s artifact rejected: %w", role, err)
	}
	return nil
}

// Has reports whether a schema is registered for role.
func (v *Validator) Has(role string) bool {
	_, ok := v.schemas[role]
	return ok
}

// RefsOf extracts the upstream artifact references declared by one item of
// the given role. Unknown roles and items without refs return nil.
func RefsOf(role string, item map[string]any) []string {
	switch role {
	case "Analyst":
		return stringList(item["s_refs"])
	case "Producer":
		return stringList(item["a_refs"])
	case "Courier":
		if id, ok := item["p_id"].(string); ok && id != "" {
			return []string{id}
		}
		return nil
	case "Critic":
		// Critics emit either a flat id list or a per-slice map.
		if refs, ok := item["refs"].(map[string]any); ok {
			var out []string
			for _, key := range []string{"s", "a", "p", "c"} {
				out = append(out, stringList(refs[key])...)
			}
			return out
		}
		return stringList(item["refs"])
	default:
		return nil
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Built-in role schemas, mirrored from the role contracts: each role emits a
// non-empty array of objects with a fixed required-key set.
var defaultSchemas = map[string]string{
	"Strategist": arraySchema("s_id", "title", "audience", "hooks", "three_step_plan"),
	"Analyst":    arraySchema("a_id", "s_refs", "kpi_table"),
	"Producer":   arraySchema("p_id", "a_refs", "spec_type", "body"),
	"Courier":    arraySchema("day", "time", "channel", "p_id", "kpi_target", "owner_action"),
	"Critic":     arraySchema("x_id", "refs", "issue", "fix", "severity", "proof_scores"),
}

func arraySchema(required ...string) string {
	var b strings.Builder
	b.WriteString(`{"type":"array","minItems":1,"items":{"type":"object","required":[`)
	for i, r := range required {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", r)
	}
	b.WriteString(`]}}`)
	return b.String()
}
