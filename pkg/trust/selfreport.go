package trust

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Self-reported scores are parsed from the role's own text, kept for raw
// score records only; the judge path drives the actual trust metrics.
// Roles announce scores in several formats and all of them occur in the
// wild, so extraction tries each pattern and accumulates.

var (
	standardRe = regexp.MustCompile(`(?i)(Transformation|Clarity|Reach|Return|Logical|Practical|Probable):\s*(\d+)(?:/100)?`)
	compactRe  = regexp.MustCompile(`\b([TCRPL]):\s*(\d+)\b`)
	verboseRe  = regexp.MustCompile(`(?i)(Transformation|Clarity|Reach|Return|Logical|Practical|Probable)\s+Score:\s*(\d+)(?:\s+out\s+of\s+100)?`)
	tableRe    = regexp.MustCompile(`(?i)\|\s*(Transformation|Clarity|Reach|Return|Logical|Practical|Probable)\s*\|\s*(\d+)\s*\|`)

	reachWordRe  = regexp.MustCompile(`(?i)\breach\b`)
	returnWordRe = regexp.MustCompile(`(?i)\breturn\b`)
)

var compactDims = map[string]string{
	"T": "transformation",
	"C": "clarity",
	"R": "reach",
	"P": "practical",
	"L": "logical",
}

// ParseSelfReported extracts self-reported dimension scores from output.
// Returns nil when no scores are found.
//
// The compact format is ambiguous when "R:" appears twice (reach vs return);
// disambiguation uses nearby keyword context, else the first R defaults to
// reach with a loud warning.
func ParseSelfReported(output string, logger *slog.Logger) map[string]int {
	if logger == nil {
		logger = slog.Default()
	}
	scores := map[string]int{}

	for _, m := range standardRe.FindAllStringSubmatch(output, -1) {
		scores[strings.ToLower(m[1])] = mustInt(m[2])
	}

	parseCompact(output, scores, logger)

	for _, m := range verboseRe.FindAllStringSubmatch(output, -1) {
		scores[strings.ToLower(m[1])] = mustInt(m[2])
	}
	for _, m := range tableRe.FindAllStringSubmatch(output, -1) {
		scores[strings.ToLower(m[1])] = mustInt(m[2])
	}

	if len(scores) == 0 {
		return nil
	}
	return scores
}

func parseCompact(output string, scores map[string]int, logger *slog.Logger) {
	matches := compactRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return
	}

	var rValues []int
	for _, m := range matches {
		if m[1] == "R" {
			rValues = append(rValues, mustInt(m[2]))
		}
	}

	if len(rValues) > 1 {
		logger.Warn("ambiguous compact score format: multiple R entries",
			"count", len(rValues))
		hasReach := reachWordRe.MatchString(output)
		hasReturn := returnWordRe.MatchString(output)
		switch {
		case hasReach && hasReturn:
			scores["reach"] = rValues[0]
			scores["return"] = rValues[1]
		case hasReach:
			scores["reach"] = rValues[0]
		case hasReturn:
			scores["return"] = rValues[0]
		default:
			logger.Warn("no context to disambiguate R entries; defaulting first to reach")
			scores["reach"] = rValues[0]
		}
		// non-R letters still map normally
		for _, m := range matches {
			if m[1] == "R" {
				continue
			}
			scores[compactDims[m[1]]] = mustInt(m[2])
		}
		return
	}

	for _, m := range matches {
		scores[compactDims[m[1]]] = mustInt(m[2])
	}
}

func mustInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
