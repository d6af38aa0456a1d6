package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Ledgerline-Labs/keel/pkg/config"
)

// Generator is the text backend the judge scorer calls. It matches the
// session generator's contract so the same client serves both.
type Generator interface {
	Generate(ctx context.Context, system, user string, temperature float64) (string, error)
}

// judgeTemperature keeps the scoring call deterministic-ish.
const judgeTemperature = 0.1

const judgeSystem = `You are a strict evaluator. Score the given output on three axes,
each an integer from 0 to 100:
- logical: internal consistency and soundness
- practical: execution feasibility
- probable: real-world likelihood of working as claimed
Respond with ONLY a JSON object: {"logical": N, "practical": N, "probable": N}`

// neutralScores is the fallback when the judge's reply is unusable. A
// scoring failure must never block the pipeline; it only flattens the signal.
var neutralScores = Scores{Logical: 0.75, Practical: 0.75, Probable: 0.75}

// JudgeScorer scores role outputs with an independent evaluation call.
type JudgeScorer struct {
	gen    Generator
	cfg    *config.Config
	logger *slog.Logger
}

// NewJudgeScorer builds a scorer over the shared generator.
func NewJudgeScorer(gen Generator, cfg *config.Config, logger *slog.Logger) *JudgeScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &JudgeScorer{gen: gen, cfg: cfg, logger: logger}
}

// Score evaluates text produced by role under the given domain's weights.
// Malformed judge output degrades to neutral {75,75,75} with a warning.
func (j *JudgeScorer) Score(ctx context.Context, role, text, domain string) (TrustScore, error) {
	user := fmt.Sprintf("Role: %s\n\nOutput to score:\n%s", role, text)
	reply, err := j.gen.Generate(ctx, judgeSystem, user, judgeTemperature)
	if err != nil {
		// Transport errors propagate; only parse failures are swallowed.
		return TrustScore{}, fmt.Errorf("judge scoring call failed: %w", err)
	}

	scores, ok := parseJudgeReply(reply)
	if !ok {
		j.logger.Warn("judge reply unusable; using neutral scores", "role", role)
		scores = neutralScores
		ts := Compute(scores, j.cfg.WeightFor(domain, j.logger))
		ts.Neutral = true
		return ts, nil
	}
	return Compute(scores, j.cfg.WeightFor(domain, j.logger)), nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*?\}`)

// parseJudgeReply extracts {"logical","practical","probable"} integers in
// [0,100] and normalizes them to [0,1].
func parseJudgeReply(reply string) (Scores, bool) {
	raw := jsonObjectRe.FindString(strings.TrimSpace(reply))
	if raw == "" {
		return Scores{}, false
	}
	var parsed struct {
		Logical   *float64 `json:"logical"`
		Practical *float64 `json:"practical"`
		Probable  *float64 `json:"probable"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Scores{}, false
	}
	if parsed.Logical == nil || parsed.Practical == nil || parsed.Probable == nil {
		return Scores{}, false
	}
	for _, v := range []float64{*parsed.Logical, *parsed.Practical, *parsed.Probable} {
		if v < 0 || v > 100 {
			return Scores{}, false
		}
	}
	return Scores{
		Logical:   *parsed.Logical / 100,
		Practical: *parsed.Practical / 100,
		Probable:  *parsed.Probable / 100,
	}, true
}
