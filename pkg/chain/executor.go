package chain

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/generate"
	"github.com/Ledgerline-Labs/keel/pkg/redundancy"
	"github.com/Ledgerline-Labs/keel/pkg/registry"
	"github.com/Ledgerline-Labs/keel/pkg/schema"
)

// redundancyLimit is the shingle-overlap score above which a role output is
// treated as a near-duplicate of earlier outputs and regenerated once.
const redundancyLimit = 0.6

const strictTemperature = 0.2

// Step describes one role execution: which slice it writes and the prompts
// it runs on.
type Step struct {
	Role   string
	Slice  string
	System string
	User   string
}

// StepOutcome is what a role step produced. Degraded means validation failed
// twice and the slice was left empty; the chain continues regardless.
type StepOutcome struct {
	Text       string
	Artifacts  []registry.Artifact
	Degraded   bool
	Reason     string
	Redundancy float64
}

// Executor runs one role step under the validation contract: generate,
// check exclusions, extract JSON, validate against the role schema, commit
// to the registry. A failure earns exactly one strict re-prompt; a second
// failure degrades the slice to empty rather than aborting the session.
// Only transport failures propagate as errors.
type Executor struct {
	gen       generate.Generator
	validator *schema.Validator
	shapes    map[string]config.RoleShape
	banned    map[string][]*regexp.Regexp
	logger    *slog.Logger
}

// NewExecutor compiles the per-role exclusion patterns up front. Invalid
// patterns are dropped with a warning, never enforced partially.
func NewExecutor(gen generate.Generator, validator *schema.Validator, shapes map[string]config.RoleShape, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	banned := make(map[string][]*regexp.Regexp)
	for role, shape := range shapes {
		for _, pat := range shape.BannedRegex {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				logger.Warn("dropping invalid exclusion pattern", "role", role, "pattern", pat, "error", err)
				continue
			}
			banned[role] = append(banned[role], re)
		}
	}
	return &Executor{gen: gen, validator: validator, shapes: shapes, banned: banned, logger: logger}
}

// Run executes one role step against the registry. prevTexts are the raw
// outputs of earlier steps, used for the redundancy check; the final output
// text is appended to it.
func (e *Executor) Run(ctx context.Context, reg *registry.Registry, step Step, prevTexts *[]string) (StepOutcome, error) {
	shape := e.shapes[step.Role]

	text, err := e.gen.Generate(ctx, step.System, step.User, shape.Temperature)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("%s: %w", step.Role, err)
	}
	reason := e.commit(reg, step, text)

	if reason != "" {
		e.logger.Warn("role output rejected, re-prompting strictly",
			"role", step.Role, "reason", reason)
		text, err = e.gen.Generate(ctx, step.System, strictPrompt(step.User, shape.Example), strictTemperature)
		if err != nil {
			return StepOutcome{}, fmt.Errorf("%s strict re-prompt: %w", step.Role, err)
		}
		reason = e.commit(reg, step, text)
	}

	out := StepOutcome{Text: text}
	if reason != "" {
		// Soft failure: the slice stays empty and the chain moves on.
		reg.Discard(step.Slice)
		out.Degraded = true
		out.Reason = reason
		e.logger.Warn("role output degraded to empty slice", "role", step.Role, "reason", reason)
	}

	out.Redundancy = redundancy.Score(text, *prevTexts, 3)
	if out.Redundancy > redundancyLimit && !out.Degraded {
		e.logger.Warn("role output redundant, regenerating once",
			"role", step.Role, "score", out.Redundancy)
		fresh, err := e.gen.Generate(ctx, step.System, strictPrompt(step.User, shape.Example), strictTemperature)
		if err != nil {
			return StepOutcome{}, fmt.Errorf("%s redundancy re-prompt: %w", step.Role, err)
		}
		text = fresh
		out.Text = fresh
		if reason := e.commit(reg, step, fresh); reason != "" {
			reg.Discard(step.Slice)
			out.Degraded = true
			out.Reason = "redundancy retry failed: " + reason
		} else {
			out.Redundancy = redundancy.Score(fresh, *prevTexts, 3)
		}
	}

	*prevTexts = append(*prevTexts, text)
	out.Artifacts = reg.Slice(step.Slice)
	return out, nil
}

// commit replaces the step's slice with the artifacts parsed from text,
// returning a non-empty reason when the text fails any stage. The slice
// counter keeps advancing across replaced attempts, so discarded IDs are
// never reissued.
func (e *Executor) commit(reg *registry.Registry, step Step, text string) string {
	reg.Discard(step.Slice)

	if e.violatesExclusions(step.Role, text) {
		return "excluded"
	}
	items, err := ExtractArray(text)
	if err != nil {
		return "no_json"
	}
	if err := e.validator.Validate(step.Role, items); err != nil {
		return err.Error()
	}
	for _, item := range items {
		refs := schema.RefsOf(step.Role, item)
		if _, err := reg.Append(step.Slice, item, refs); err != nil {
			reg.Discard(step.Slice)
			return err.Error()
		}
	}
	return ""
}

// violatesExclusions reports whether text hits any banned phrase or pattern
// configured for the role. A hit is a validation failure like any other.
func (e *Executor) violatesExclusions(role, text string) bool {
	shape, ok := e.shapes[role]
	if !ok || text == "" {
		return false
	}
	haystack := strings.ToLower(text)
	for _, phrase := range shape.Banned {
		if phrase != "" && strings.Contains(haystack, strings.ToLower(phrase)) {
			return true
		}
	}
	for _, re := range e.banned[role] {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
