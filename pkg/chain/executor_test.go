package chain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/generate"
	"github.com/Ledgerline-Labs/keel/pkg/registry"
	"github.com/Ledgerline-Labs/keel/pkg/schema"
)

// queueGen replays scripted replies in call order and records every prompt.
type queueGen struct {
	replies []string
	errs    []error
	calls   []genCall
}

type genCall struct {
	System      string
	User        string
	Temperature float64
}

func (g *queueGen) Generate(_ context.Context, system, user string, temperature float64) (string, error) {
	g.calls = append(g.calls, genCall{system, user, temperature})
	i := len(g.calls) - 1
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return "", fmt.Errorf("unscripted call %d", i)
}

const validStrategy = "```json\n[{\"s_id\": \"s1\", \"title\": \"Teaser\", \"audience\": \"makers\", \"hooks\": [\"h\"], \"three_step_plan\": [\"a\", \"b\", \"c\"]}]\n```"

func newTestExecutor(t *testing.T, gen generate.Generator, shapes map[string]config.RoleShape) *Executor {
	t.Helper()
	if shapes == nil {
		shapes = config.DefaultRoleShapes()
	}
	validator, err := schema.NewValidator(shapes)
	require.NoError(t, err)
	return NewExecutor(gen, validator, shapes, nil)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.SliceSpec{
		{Name: RoleStrategist, Prefix: "S"},
		{Name: RoleAnalyst, Prefix: "A"},
	})
	require.NoError(t, err)
	return reg
}

func strategistStep() Step {
	return Step{
		Role:   RoleStrategist,
		Slice:  RoleStrategist,
		System: roleSystems[RoleStrategist],
		User:   strategistUser("ship the launch"),
	}
}

func TestExecutorValidFirstTry(t *testing.T) {
	gen := &queueGen{replies: []string{validStrategy}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "S-1", out.Artifacts[0].ID)
	assert.Len(t, gen.calls, 1)
	assert.Equal(t, []string{out.Text}, prev)
}

func TestExecutorStrictRepromptRecovers(t *testing.T) {
	gen := &queueGen{replies: []string{"no json here, sorry", validStrategy}}
	shapes := config.DefaultRoleShapes()
	shape := shapes[RoleStrategist]
	shape.Example = `[{"s_id": "s1", "title": "Example"}]`
	shapes[RoleStrategist] = shape

	ex := newTestExecutor(t, gen, shapes)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	require.Len(t, gen.calls, 2)

	strict := gen.calls[1]
	assert.Contains(t, strict.User, "STRICT MODE")
	assert.Contains(t, strict.User, "Example:")
	assert.Equal(t, strictTemperature, strict.Temperature)
}

func TestExecutorDegradesAfterTwoFailures(t *testing.T) {
	gen := &queueGen{replies: []string{"nope", "still nope"}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, "no_json", out.Reason)
	assert.Empty(t, out.Artifacts)
	assert.Empty(t, reg.Slice(RoleStrategist))
	// The session continues; the degraded text still joins the history.
	assert.Len(t, prev, 1)
}

func TestExecutorSchemaFailureReason(t *testing.T) {
	gen := &queueGen{replies: []string{
		"```json\n[{\"title\": \"missing ids\"}]\n```",
		"```json\n[{\"title\": \"again\"}]\n```",
	}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.NotEqual(t, "no_json", out.Reason)
}

func TestExecutorDanglingRefDiscardsSlice(t *testing.T) {
	analyst := "```json\n[{\"a_id\": \"a1\", \"s_refs\": [\"S-99\"], \"kpi_table\": \"ctr\"}]\n```"
	gen := &queueGen{replies: []string{analyst, analyst}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, Step{
		Role:   RoleAnalyst,
		Slice:  RoleAnalyst,
		System: roleSystems[RoleAnalyst],
		User:   analystUser("obj", "[]"),
	}, &prev)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Reason, "does not resolve")
	assert.Empty(t, reg.Slice(RoleAnalyst))
}

func TestExecutorBannedPhraseIsValidationFailure(t *testing.T) {
	gen := &queueGen{replies: []string{
		"As an AI language model, here you go " + validStrategy,
		validStrategy,
	}}
	shapes := config.DefaultRoleShapes()
	shape := shapes[RoleStrategist]
	shape.Banned = []string{"as an ai language model"}
	shapes[RoleStrategist] = shape

	ex := newTestExecutor(t, gen, shapes)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Len(t, gen.calls, 2)
	assert.Len(t, out.Artifacts, 1)
}

func TestExecutorBannedRegex(t *testing.T) {
	gen := &queueGen{replies: []string{
		"BUY NOW!!! " + validStrategy,
		validStrategy,
	}}
	shapes := config.DefaultRoleShapes()
	shape := shapes[RoleStrategist]
	shape.BannedRegex = []string{`buy\s+now!+`}
	shapes[RoleStrategist] = shape

	ex := newTestExecutor(t, gen, shapes)
	reg := newTestRegistry(t)

	var prev []string
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Len(t, gen.calls, 2)
}

func TestExecutorRedundancyTriggersOneRetry(t *testing.T) {
	first := validStrategy
	distinct := "```json\n[{\"s_id\": \"s2\", \"title\": \"Completely different manual outreach program for enterprise buyers\", \"audience\": \"cto offices\", \"hooks\": [\"exclusivity\"], \"three_step_plan\": [\"research accounts deeply\", \"handwritten notes mailed weekly\", \"executive dinner series\"]}]\n```"
	gen := &queueGen{replies: []string{first, first, distinct}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	prev := []string{}
	_, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	require.Len(t, gen.calls, 1) // empty history, no redundancy possible

	// Second run sees the identical text in history and regenerates once.
	out, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.NoError(t, err)
	assert.Len(t, gen.calls, 3)
	assert.False(t, out.Degraded)
	assert.LessOrEqual(t, out.Redundancy, redundancyLimit)
	// Burned counter: the retry replaced S-2, so the kept artifact is S-3.
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "S-3", out.Artifacts[0].ID)
}

func TestExecutorTransportErrorAborts(t *testing.T) {
	gen := &queueGen{errs: []error{fmt.Errorf("backend down: %w", generate.ErrTransport)}}
	ex := newTestExecutor(t, gen, nil)
	reg := newTestRegistry(t)

	var prev []string
	_, err := ex.Run(context.Background(), reg, strategistStep(), &prev)
	require.Error(t, err)
	assert.ErrorIs(t, err, generate.ErrTransport)
}
