package detect

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELDetector evaluates a config-defined CEL expression over the variables
// `objective` and `text`, both strings. Expressions are compiled once at
// construction and cached; evaluation failures are logged and treated as a
// non-hit so a broken expression can never block the pipeline by itself.
type CELDetector struct {
	id      string
	program cel.Program
	logger  *slog.Logger

	warnOnce sync.Once
}

// NewCELDetector compiles expr in a two-variable environment. The expression
// must produce a bool.
func NewCELDetector(id, expr string, logger *slog.Logger) (*CELDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("objective", cel.StringType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", id, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("cel detector %q must return bool, got %s", id, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program %q: %w", id, err)
	}
	return &CELDetector{id: id, program: prg, logger: logger}, nil
}

func (d *CELDetector) ID() string { return d.id }

func (d *CELDetector) Detect(objective, text string) bool {
	out, _, err := d.program.Eval(map[string]any{
		"objective": objective,
		"text":      text,
	})
	if err != nil {
		d.warnOnce.Do(func() {
			d.logger.Warn("cel detector evaluation failed; treating as non-hit", "detector", d.id, "err", err)
		})
		return false
	}
	hit, ok := out.Value().(bool)
	return ok && hit
}
