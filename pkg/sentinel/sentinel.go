// Package sentinel is the independent auditor. It never mutates anything:
// given only the ledger directory, the published public key and a registry
// export, it replays the hash chain and computes a bounded drift score for a
// finished session.
package sentinel

import (
	"math"
	"strings"

	"github.com/Ledgerline-Labs/keel/pkg/ledger"
	"github.com/Ledgerline-Labs/keel/pkg/registry"
)

// Drift flags.
const (
	FlagOverconfidence = "OVERCONF_NO_EVIDENCE"
	FlagLowRefCoverage = "LOW_REF_COVERAGE"
	FlagUpstreamEmpty  = "UPSTREAM_EMPTY"
)

// coverageFloor is the reference-coverage ratio below which the session is
// flagged.
const coverageFloor = 0.7

// Details carries the raw counts behind a drift score.
type Details struct {
	StrongHits   int     `json:"strong_hits"`
	EvidenceHits int     `json:"evidence_hits"`
	RefCoverage  float64 `json:"ref_coverage"`
}

// DriftFinding is one structural defect found in the registry export.
type DriftFinding struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Report is the drift audit outcome: a [0,100] score plus flags. 100 means
// no drift observed.
type Report struct {
	Score   float64        `json:"score"`
	Flags   []string       `json:"flags"`
	Details Details        `json:"details"`
	Drift   []DriftFinding `json:"drift,omitempty"`
}

var (
	strongTerms   = []string{"100%", "certain", "always", "definitely", "zero risk", "guarantee", "impossible to fail"}
	evidenceTerms = []string{"evidence", "source", "cite", "reference", "data", "study", "trial", "dataset", "link"}
)

// Audit computes the drift score for a finished session from its registry
// export and the combined output texts. order is the slice order of the run;
// the last slice is treated as the Critic slice whose references are checked
// for coverage.
func Audit(snapshot map[string][]registry.Artifact, order []string, texts []string) *Report {
	combined := strings.ToLower(strings.Join(texts, "\n\n"))

	strongHits := 0
	for _, w := range strongTerms {
		strongHits += strings.Count(combined, w)
	}
	evidenceHits := 0
	for _, w := range evidenceTerms {
		evidenceHits += strings.Count(combined, w)
	}

	coverage := refCoverage(snapshot, order)
	drift := upstreamEmptiness(snapshot, order)

	score := 100.0
	var flags []string
	if strongHits > evidenceHits {
		score -= math.Min(40, float64(strongHits-evidenceHits)*5)
		flags = append(flags, FlagOverconfidence)
	}
	score -= math.Max(0, (1-coverage)*30)
	if coverage < coverageFloor {
		flags = append(flags, FlagLowRefCoverage)
	}
	if len(drift) > 0 {
		score -= 20
		flags = append(flags, FlagUpstreamEmpty)
	}
	score = math.Max(0, math.Min(100, score))

	return &Report{
		Score: math.Round(score*10) / 10,
		Flags: flags,
		Details: Details{
			StrongHits:   strongHits,
			EvidenceHits: evidenceHits,
			RefCoverage:  math.Round(coverage*1000) / 1000,
		},
		Drift: drift,
	}
}

// refCoverage is the share of final-slice references that resolve against
// real registry IDs. With no critic artifacts at all, coverage is vacuously
// complete; critic artifacts carrying no refs count as zero coverage.
func refCoverage(snapshot map[string][]registry.Artifact, order []string) float64 {
	if len(order) == 0 {
		return 1
	}
	critic := snapshot[order[len(order)-1]]
	if len(critic) == 0 {
		return 1
	}

	known := make(map[string]bool)
	for _, slice := range order[:len(order)-1] {
		for _, art := range snapshot[slice] {
			known[art.ID] = true
		}
	}

	total, matched := 0, 0
	for _, art := range critic {
		for _, ref := range art.Refs {
			total++
			if known[ref] {
				matched++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// upstreamEmptiness flags any downstream slice that holds artifacts while a
// required earlier slice is empty.
func upstreamEmptiness(snapshot map[string][]registry.Artifact, order []string) []DriftFinding {
	var findings []DriftFinding
	emptySeen := ""
	for _, slice := range order {
		arts := snapshot[slice]
		if len(arts) == 0 {
			if emptySeen == "" {
				emptySeen = slice
			}
			continue
		}
		if emptySeen != "" {
			findings = append(findings, DriftFinding{
				Type:   FlagUpstreamEmpty,
				Detail: "slice " + slice + " is populated while upstream slice " + emptySeen + " is empty",
			})
		}
	}
	return findings
}

// VerifyLedger replays the full chain in dir with only public material.
func VerifyLedger(dir string) (*ledger.Report, error) {
	return ledger.Verify(dir, ledger.VerifyOptions{})
}
