package schema

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The Caller emits a single decision object rather than an artifact array,
// so it gets its own oneOf schema: terminate with a response, proceed with a
// payload carrying the objective, or a suggested rewrite awaiting the user.
const callerSchema = `{
  "type": "object",
  "required": ["status"],
  "oneOf": [
    {
      "properties": {"status": {"const": "terminate"}},
      "required": ["status", "response"]
    },
    {
      "properties": {
        "status": {"const": "proceed"},
        "payload": {
          "type": "object",
          "required": ["objective"]
        }
      },
      "required": ["status", "payload"]
    },
    {
      "properties": {
        "status": {"const": "suggest_optimized_prompt_and_insight"},
        "axp_insight": {
          "type": "object",
          "required": ["title", "perspectives", "verdict"],
          "properties": {"perspectives": {"type": "array"}}
        }
      },
      "required": ["status", "suggested_objective", "axp_insight", "user_confirmation_question"]
    }
  ]
}`

var (
	callerOnce     sync.Once
	callerCompiled *jsonschema.Schema
	callerErr      error
)

// ValidateCaller checks a Caller decision object.
func ValidateCaller(decision map[string]any) error {
	callerOnce.Do(func() {
		callerCompiled, callerErr = compile("Caller", callerSchema)
	})
	if callerErr != nil {
		return callerErr
	}
	if err := callerCompiled.Validate(map[string]any(decision)); err != nil {
		return fmt.Errorf("caller decision rejected: %w", err)
	}
	return nil
}
