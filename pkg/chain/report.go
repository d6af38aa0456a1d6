package chain

import (
	"fmt"
	"strings"

	"github.com/Ledgerline-Labs/keel/pkg/registry"
)

// composeFinalReport renders the session outcome as markdown: one section
// per populated slice, addressed by registry IDs, plus the micro-QA
// clarifications.
func composeFinalReport(objective string, reg *registry.Registry, qaLog []QAExchange) string {
	var b strings.Builder
	b.WriteString("# Keel Execution Summary\n")
	fmt.Fprintf(&b, "Objective: %s\n", objective)

	writeSection(&b, reg, RoleStrategist, "Strategy (S)", func(a registry.Artifact) string {
		return fmt.Sprintf("- %s: %s", a.ID, bstr(a.Body, "title"))
	})
	writeSection(&b, reg, RoleAnalyst, "Analysis (A)", func(a registry.Artifact) string {
		return fmt.Sprintf("- %s -> refs %v", a.ID, a.Refs)
	})
	writeSection(&b, reg, RoleProducer, "Production Assets (P)", func(a registry.Artifact) string {
		return fmt.Sprintf("- %s [%s], refs %v", a.ID, bstr(a.Body, "spec_type"), a.Refs)
	})
	writeSection(&b, reg, RoleCourier, "Courier Schedule (C)", func(a registry.Artifact) string {
		return fmt.Sprintf("- %s %s via %s -> %s (target %s)",
			bstr(a.Body, "day"), bstr(a.Body, "time"), bstr(a.Body, "channel"),
			bstr(a.Body, "p_id"), bstr(a.Body, "kpi_target"))
	})
	writeSection(&b, reg, RoleCritic, "Critic Findings (X)", func(a registry.Artifact) string {
		return fmt.Sprintf("- %s severity=%s refs=%v", a.ID, bstr(a.Body, "severity"), a.Refs)
	})

	if len(qaLog) > 0 {
		b.WriteString("\n## Clarifications\n")
		for _, ex := range qaLog {
			fmt.Fprintf(&b, "- %s_to_%s: Q: %s | A: %s\n",
				strings.ToLower(ex.From), strings.ToLower(ex.To), ex.Question, ex.Answer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, reg *registry.Registry, slice, title string, line func(registry.Artifact) string) {
	arts := reg.Slice(slice)
	if len(arts) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, a := range arts {
		b.WriteString(line(a))
		b.WriteByte('\n')
	}
}

func bstr(body map[string]any, key string) string {
	if body == nil {
		return ""
	}
	switch v := body[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
