// Package governance couples adverse-signal detectors to trust scores.
//
// The coupling is tighten-only: a firing hard signal can cap the integrity
// vector and floor the disparity, never the reverse. Soft signals are
// recorded for the session summary and leave the score untouched.
package governance

import (
	"fmt"
	"log/slog"

	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/detect"
	"github.com/Ledgerline-Labs/keel/pkg/trust"
)

// Outcome is the result of applying the coupling to one role output.
type Outcome struct {
	Score       trust.TrustScore `json:"score"`
	HardSignals []string         `json:"hard_signals,omitempty"`
	SoftSignals []string         `json:"soft_signals,omitempty"`
	// Unknown lists detectors that fired without a config entry. Under
	// fail-open they are recorded only; under fail-closed they count as
	// hard signals with no cap.
	Unknown []string `json:"unknown_signals,omitempty"`
}

// Engine evaluates all configured detectors against a role output and
// tightens the trust score per the signal table.
type Engine struct {
	cfg       *config.Config
	detectors []detect.Detector
	logger    *slog.Logger
}

// NewEngine wires the built-in detectors plus one CEL detector per signal
// spec that defines an expression.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	detectors := detect.Builtins()
	for id, spec := range cfg.Signals {
		if spec.Expr == "" {
			continue
		}
		d, err := detect.NewCELDetector(id, spec.Expr, logger)
		if err != nil {
			return nil, fmt.Errorf("governance signal %q: %w", id, err)
		}
		detectors = append(detectors, d)
	}
	return &Engine{cfg: cfg, detectors: detectors, logger: logger}, nil
}

// Apply runs every detector over (objective, text) and returns the adjusted
// score plus the signal trail. The input score is never loosened.
func (e *Engine) Apply(score trust.TrustScore, objective, text string) Outcome {
	out := Outcome{Score: score}

	var ivCaps, irdFloors []float64
	hardHit := false

	for _, d := range e.detectors {
		if !d.Detect(objective, text) {
			continue
		}
		id := d.ID()
		spec, configured := e.cfg.Signals[id]
		if !configured {
			out.Unknown = append(out.Unknown, id)
			if e.cfg.UnknownSignalPolicy == config.PolicyFailClosed {
				e.logger.Warn("unconfigured signal fired; fail-closed treats it as hard", "signal", id)
				out.HardSignals = append(out.HardSignals, id)
				hardHit = true
			} else {
				e.logger.Debug("unconfigured signal fired; ignored (fail-open)", "signal", id)
			}
			continue
		}

		switch spec.Mode {
		case "soft":
			out.SoftSignals = append(out.SoftSignals, id)
		default:
			out.HardSignals = append(out.HardSignals, id)
			hardHit = true
			if spec.IVMax != nil {
				ivCaps = append(ivCaps, *spec.IVMax)
			}
			if spec.IRDMin != nil {
				irdFloors = append(irdFloors, *spec.IRDMin)
			}
		}
	}

	if !hardHit {
		return out
	}

	adjusted := score
	for _, c := range ivCaps {
		if c < adjusted.IntegrityVector {
			adjusted.IntegrityVector = c
		}
	}
	for _, floor := range irdFloors {
		if floor > adjusted.IRD {
			adjusted.IRD = floor
		}
	}
	adjusted.RequiresRRP = true
	adjusted.NoGo = true
	out.Score = adjusted

	e.logger.Info("governance coupling tightened score",
		"hard", out.HardSignals,
		"iv", adjusted.IntegrityVector,
		"ird", adjusted.IRD)
	return out
}

// RedundancySoftThreshold marks a session redundant when any per-step metric
// reaches it.
const RedundancySoftThreshold = 0.55

// Session soft-signal ids.
const (
	SignalSecrets     = "SECRETS"
	SignalFabrication = "FABRICATION"
	SignalRedundancy  = "REDUNDANCY"
)

// SessionSoftSignals inspects the combined session text and the per-step
// redundancy metrics for session-level soft signals. Only signals present in
// the config table are considered.
func (e *Engine) SessionSoftSignals(allText string, redundancy map[string]float64) []string {
	var out []string
	if _, ok := e.cfg.Signals[SignalSecrets]; ok && detect.SecretsLeak(allText) {
		out = append(out, SignalSecrets)
	}
	if _, ok := e.cfg.Signals[SignalFabrication]; ok && detect.Fabrication(allText) {
		out = append(out, SignalFabrication)
	}
	if _, ok := e.cfg.Signals[SignalRedundancy]; ok {
		for _, v := range redundancy {
			if v >= RedundancySoftThreshold {
				out = append(out, SignalRedundancy)
				break
			}
		}
	}
	return out
}
