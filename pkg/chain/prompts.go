package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ledgerline-Labs/keel/pkg/registry"
)

// Role names, in execution order. The Caller runs before the chain proper
// and writes no registry slice.
const (
	RoleCaller     = "Caller"
	RoleStrategist = "Strategist"
	RoleAnalyst    = "Analyst"
	RoleProducer   = "Producer"
	RoleCourier    = "Courier"
	RoleCritic     = "Critic"
	RoleGovernance = "Governance"
)

// SliceQA holds micro-QA exchanges; it carries no refs and is excluded from
// the drift audit's slice order.
const SliceQA = "QA"

// chainRoles is the fixed role sequence after triage.
var chainRoles = []string{RoleStrategist, RoleAnalyst, RoleProducer, RoleCourier, RoleCritic}

// Roles returns a copy of the fixed role sequence after triage.
func Roles() []string { return append([]string(nil), chainRoles...) }

// actionFor maps each role step to its ledger action name.
var actionFor = map[string]string{
	RoleStrategist: "generate_strategy",
	RoleAnalyst:    "validate_strategy",
	RoleProducer:   "generate_assets",
	RoleCourier:    "create_schedule",
	RoleCritic:     "final_review",
}

var roleSystems = map[string]string{
	RoleCaller: `You are the Caller, the triage agent. You receive a raw user objective
before any work starts and decide one of three outcomes: terminate the request
(out of scope or unsafe), proceed with the objective as-is, or propose an
optimized objective with an insight for the user to confirm. You never do the
work yourself. Output strictly one JSON object.`,

	RoleStrategist: `You are the Strategist. From the objective you produce candidate
strategies: who the audience is, what hooks to use, and a concrete three-step
plan per strategy. You invent nothing downstream roles will need to undo.`,

	RoleAnalyst: `You are the Analyst. You stress-test the strategies: KPI tables,
falsification criteria and risks. Every analysis object must reference the
strategy items it examines by their id.`,

	RoleProducer: `You are the Producer. You turn validated analysis into concrete
production assets. Every asset must reference the analysis items it is built
on by their id.`,

	RoleCourier: `You are the Courier. You schedule existing production assets across
a seven-day window. You deploy assets, you never create them.`,

	RoleCritic: `You are the Critic. You review the whole chain and report concrete
issues with fixes and severities. Every finding must reference the items it
concerns by their ids.`,
}

const microQAAskTemperature = 0.35
const microQAAnswerTemperature = 0.2

func callerUser(objective string) string {
	return fmt.Sprintf("Analyze this objective:\n%s\n\nOutput strictly in JSON format.", objective)
}

func strategistUser(objective string) string {
	return fmt.Sprintf(
		"ObjectiveSpec:\n%s\n"+
			"Return ONLY a fenced JSON array of objects: "+
			`{"s_id", "title", "audience", "hooks", "three_step_plan", "acceptance_tests"}.`,
		objective)
}

func analystUser(objective, sJSON string) string {
	return fmt.Sprintf(
		"ObjectiveSpec:\n%s\n"+
			"S objects:\n%s\n"+
			"Return ONLY a fenced JSON array of objects: "+
			`{"a_id", "s_refs", "kpi_table", "falsifications", "risks"}. `+
			"s_refs must list id values of the S objects above.",
		objective, sJSON)
}

func producerUser(objective, sJSON, aJSON, qaSection string) string {
	return fmt.Sprintf(
		"ObjectiveSpec:\n%s\n"+
			"S objects:\n%s\n"+
			"A objects:\n%s\n%s"+
			"Return ONLY a fenced JSON array of objects: "+
			`{"p_id", "a_refs", "spec_type", "body"}. `+
			"a_refs must list id values of the A objects above.",
		objective, sJSON, aJSON, qaSection)
}

func courierUser(objective, pJSON, qaSection string) string {
	return fmt.Sprintf(
		"ObjectiveSpec:\n%s\n"+
			"ASSETS TO DEPLOY (DO NOT RECREATE):\n%s\n%s"+
			"Build D1-D7 schedule using ONLY these assets. Return ONLY a fenced JSON "+
			`array of objects: {"day", "time", "channel", "p_id", "kpi_target", "owner_action"}. `+
			"Each row's p_id must be an id of an asset above.",
		objective, pJSON, qaSection)
}

func criticUser(objective, sJSON, aJSON, pJSON, cJSON string) string {
	return fmt.Sprintf(
		"ObjectiveSpec:\n%s\n"+
			"S objects:\n%s\n"+
			"A objects:\n%s\n"+
			"P assets:\n%s\n"+
			"C schedule:\n%s\n"+
			"Return ONLY a fenced JSON array of objects: "+
			`{"x_id", "refs", "issue", "fix", "severity", "proof_scores"}. `+
			"refs must list id values from the objects above.",
		objective, sJSON, aJSON, pJSON, cJSON)
}

func qaSection(header string, ex *QAExchange) string {
	if ex == nil {
		return ""
	}
	return fmt.Sprintf("\nClarifications from %s:\nQ: %s\nA: %s\n", header, ex.Question, ex.Answer)
}

// sliceJSON renders a registry slice the way downstream prompts consume it:
// registry-assigned ids alongside the validated bodies.
func sliceJSON(reg *registry.Registry, slice string) string {
	arts := reg.Slice(slice)
	b, err := json.MarshalIndent(arts, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

// strictPrompt is the re-prompt sent after a validation failure: same task,
// JSON-only demand, plus a truncated worked example when one is configured.
func strictPrompt(base, example string) string {
	out := base + "\n\nSTRICT MODE: Return ONLY JSON in a single fenced block (```json ... ```)."
	if example != "" {
		if len(example) > 800 {
			example = example[:800]
		}
		out += "\n\nExample:\n" + example
	}
	return out
}

func microQAAskSystem(asker, responder string) string {
	return fmt.Sprintf("Micro-QA (%s asking %s)", asker, responder)
}

func microQAAnswerSystem(responder, asker string) string {
	return fmt.Sprintf("Micro-QA (%s answering %s)", responder, asker)
}

func microQAAskUser(context, responder string) string {
	return context + fmt.Sprintf("\nAsk ONE clarifying question for the %s. If none needed, reply with NONE.", responder)
}

func microQAAnswerUser(context, question string) string {
	return context + fmt.Sprintf("\nQuestion: %s\nProvide a short, direct answer.", question)
}

func isNone(reply string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(reply)), "NONE")
}
