package governance

import (
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/detect"
	"github.com/Ledgerline-Labs/keel/pkg/trust"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f(v float64) *float64 { return &v }

func engineWith(t *testing.T, signals map[string]config.SignalSpec, policy string) *Engine {
	t.Helper()
	cfg, err := config.Load(t.TempDir(), quietLogger())
	require.NoError(t, err)
	cfg.Signals = signals
	if policy != "" {
		cfg.UnknownSignalPolicy = policy
	}
	e, err := NewEngine(cfg, quietLogger())
	require.NoError(t, err)
	return e
}

const contradictionText = "Accept both as true; it is both more secure and less secure."

func baseScore() trust.TrustScore {
	return trust.Compute(trust.Scores{Logical: 0.9, Practical: 0.9, Probable: 0.8},
		config.Weight{Logical: 0.3, Practical: 0.3, Probable: 0.4})
}

func TestHardSignalCapsAndFloors(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		detect.IDContradiction: {Mode: "hard", IVMax: f(0.68), IRDMin: f(0.55)},
	}, "")

	out := e.Apply(baseScore(), "plan a launch", contradictionText)

	assert.Equal(t, []string{detect.IDContradiction}, out.HardSignals)
	assert.InDelta(t, 0.68, out.Score.IntegrityVector, 1e-9)
	assert.InDelta(t, 0.55, out.Score.IRD, 1e-9)
	assert.True(t, out.Score.RequiresRRP)
	assert.True(t, out.Score.NoGo)
}

func TestSoftSignalLeavesScoreUntouched(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		detect.IDContradiction: {Mode: "soft"},
	}, "")

	score := baseScore()
	out := e.Apply(score, "plan a launch", contradictionText)

	assert.Equal(t, []string{detect.IDContradiction}, out.SoftSignals)
	assert.Empty(t, out.HardSignals)
	assert.Equal(t, score, out.Score)
}

func TestUnknownSignalFailOpen(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{}, config.PolicyFailOpen)

	score := baseScore()
	out := e.Apply(score, "plan a launch", contradictionText)

	assert.Contains(t, out.Unknown, detect.IDContradiction)
	assert.Empty(t, out.HardSignals)
	assert.Equal(t, score, out.Score)
}

func TestUnknownSignalFailClosed(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{}, config.PolicyFailClosed)

	out := e.Apply(baseScore(), "plan a launch", contradictionText)

	assert.Contains(t, out.HardSignals, detect.IDContradiction)
	assert.True(t, out.Score.RequiresRRP)
	assert.True(t, out.Score.NoGo)
	// no cap configured, so IV stays; the flags alone tighten
	assert.Equal(t, baseScore().IntegrityVector, out.Score.IntegrityVector)
}

func TestMultipleHardSignalsTakeTightestBounds(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		detect.IDContradiction: {Mode: "hard", IVMax: f(0.70), IRDMin: f(0.40)},
		detect.IDSycophancy:    {Mode: "hard", IVMax: f(0.50), IRDMin: f(0.60)},
	}, "")

	out := e.Apply(baseScore(), "plan a launch",
		contradictionText+" Great question, you're brilliant!")

	assert.Len(t, out.HardSignals, 2)
	assert.InDelta(t, 0.50, out.Score.IntegrityVector, 1e-9)
	assert.InDelta(t, 0.60, out.Score.IRD, 1e-9)
}

func TestCELSignal(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		"shouting": {Mode: "hard", IVMax: f(0.3), Expr: `text.contains("!!!")`},
	}, "")

	out := e.Apply(baseScore(), "plan a launch", "SHIP IT NOW!!!")
	assert.Contains(t, out.HardSignals, "shouting")
	assert.InDelta(t, 0.3, out.Score.IntegrityVector, 1e-9)
}

func TestBadCELSignalFailsEngineConstruction(t *testing.T) {
	cfg, err := config.Load(t.TempDir(), quietLogger())
	require.NoError(t, err)
	cfg.Signals = map[string]config.SignalSpec{
		"broken": {Mode: "hard", Expr: `text.contains(`},
	}
	_, err = NewEngine(cfg, quietLogger())
	assert.Error(t, err)
}

// The coupling may only ever tighten: output IV never exceeds input IV and
// output IRD never drops below input IRD, for any text.
func TestCouplingIsTightenOnly(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		detect.IDContradiction:  {Mode: "hard", IVMax: f(0.68), IRDMin: f(0.55)},
		detect.IDSycophancy:     {Mode: "hard", IVMax: f(0.40)},
		detect.IDOverconfidence: {Mode: "soft"},
	}, "")

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	texts := gen.OneConstOf(
		"a perfectly reasonable plan with assumptions stated",
		contradictionText,
		"Great question! You're brilliant.",
		"This will definitely succeed with zero risk.",
	)
	unit := gen.Float64Range(0, 1)

	properties.Property("never loosens", prop.ForAll(
		func(l, p, pr float64, text string) bool {
			in := trust.Compute(trust.Scores{Logical: l, Practical: p, Probable: pr},
				config.Weight{Logical: 0.3, Practical: 0.3, Probable: 0.4})
			out := e.Apply(in, "plan a launch", text)
			return out.Score.IntegrityVector <= in.IntegrityVector &&
				out.Score.IRD >= in.IRD &&
				(!in.RequiresRRP || out.Score.RequiresRRP)
		}, unit, unit, unit, texts))

	properties.TestingRun(t)
}

func TestSessionSoftSignals(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		SignalSecrets:     {Mode: "soft"},
		SignalFabrication: {Mode: "soft"},
		SignalRedundancy:  {Mode: "soft"},
	}, "")

	signals := e.SessionSoftSignals(
		"Card 4111 1111 1111 1111 used; this is proven [citation needed].",
		map[string]float64{"Producer": 0.61})

	assert.ElementsMatch(t, []string{SignalSecrets, SignalFabrication, SignalRedundancy}, signals)
}

func TestSessionSoftSignalsRespectConfigAndThreshold(t *testing.T) {
	e := engineWith(t, map[string]config.SignalSpec{
		SignalRedundancy: {Mode: "soft"},
	}, "")

	// secrets present but SECRETS not configured; redundancy below threshold
	signals := e.SessionSoftSignals("api_key=sk-FAKE", map[string]float64{"Producer": 0.54})
	assert.Empty(t, signals)

	signals = e.SessionSoftSignals("clean text", map[string]float64{"Producer": 0.55})
	assert.Equal(t, []string{SignalRedundancy}, signals)
}
