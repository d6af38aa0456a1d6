// Package chain runs the five-role reasoning pipeline: a fixed sequence of
// generate/validate/retry steps over a shared artifact registry, with per-step
// trust scoring, governance coupling, ledger logging and a post-hoc drift
// audit. One Orchestrator serves many sessions; each Run is one session.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ledgerline-Labs/keel/pkg/audit"
	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/generate"
	"github.com/Ledgerline-Labs/keel/pkg/governance"
	"github.com/Ledgerline-Labs/keel/pkg/lease"
	"github.com/Ledgerline-Labs/keel/pkg/ledger"
	"github.com/Ledgerline-Labs/keel/pkg/observability"
	"github.com/Ledgerline-Labs/keel/pkg/registry"
	"github.com/Ledgerline-Labs/keel/pkg/schema"
	"github.com/Ledgerline-Labs/keel/pkg/sentinel"
	"github.com/Ledgerline-Labs/keel/pkg/trust"
)

// Session states.
type State string

const (
	StateComplete             State = "COMPLETE"
	StateTerminated           State = "TERMINATED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
)

// Caller decision statuses.
const (
	CallerTerminate = "terminate"
	CallerProceed   = "proceed"
	CallerSuggest   = "suggest_optimized_prompt_and_insight"
)

// CallerInsight is the structured rationale behind a suggested objective.
type CallerInsight struct {
	Title        string   `json:"title"`
	Perspectives []string `json:"perspectives"`
	Verdict      string   `json:"verdict"`
}

// CallerDecision is the triage outcome for a raw objective.
type CallerDecision struct {
	Status               string         `json:"status"`
	Response             string         `json:"response,omitempty"`
	Objective            string         `json:"objective,omitempty"`
	SuggestedObjective   string         `json:"suggested_objective,omitempty"`
	Insight              *CallerInsight `json:"axp_insight,omitempty"`
	ConfirmationQuestion string         `json:"user_confirmation_question,omitempty"`
}

// QAExchange is one micro-QA round between adjacent roles.
type QAExchange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// StepResult is the recorded outcome of one role step.
type StepResult struct {
	Role       string             `json:"role"`
	Output     string             `json:"output"`
	Degraded   bool               `json:"degraded,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Redundancy float64            `json:"redundancy"`
	Governance governance.Outcome `json:"governance"`
}

// GovernanceSummary aggregates the signal trail across the whole session.
type GovernanceSummary struct {
	HardSignals []string                `json:"signals"`
	SoftSignals []string                `json:"soft_signals"`
	Unknown     []string                `json:"unknown_signals,omitempty"`
	NoGo        bool                    `json:"no_go"`
	RequiresRRP bool                    `json:"requires_rrp"`
	Redundancy  map[string]float64      `json:"redundancy"`
	Drift       []sentinel.DriftFinding `json:"drift,omitempty"`
}

// Result is everything one session produced.
type Result struct {
	SessionID    string
	State        State
	Objective    string
	Domain       string
	Caller       *CallerDecision
	Steps        []StepResult
	Registry     map[string][]registry.Artifact
	QALog        []QAExchange
	Governance   GovernanceSummary
	Sentinel     *sentinel.Report
	Ledger       *ledger.Report
	FinalReport  string
	LeaseExpired bool
}

// Step returns the recorded result for role, or nil.
func (r *Result) Step(role string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Role == role {
			return &r.Steps[i]
		}
	}
	return nil
}

// Orchestrator owns the shared machinery and runs sessions sequentially
// through the fixed role order.
type Orchestrator struct {
	cfg      *config.Config
	gen      generate.Generator
	led      *ledger.Ledger
	engine   *governance.Engine
	judge    *trust.JudgeScorer
	executor *Executor
	auditor  audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

type Option func(*Orchestrator)

// WithAudit replaces the default audit trail writer.
func WithAudit(a audit.Logger) Option { return func(o *Orchestrator) { o.auditor = a } }

// WithObservability attaches a telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option { return func(o *Orchestrator) { o.clock = clock } }

// New wires an orchestrator from configuration. The governance engine and
// role validators are compiled here once; a bad signal expression or role
// schema fails construction, not the first session.
func New(cfg *config.Config, gen generate.Generator, led *ledger.Ledger, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := governance.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	validator, err := schema.NewValidator(cfg.RoleShapes)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		gen:      gen,
		led:      led,
		engine:   engine,
		judge:    trust.NewJudgeScorer(gen, cfg, logger),
		executor: NewExecutor(gen, validator, cfg.RoleShapes, logger),
		auditor:  audit.NewLogger(),
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunOption adjusts a single session.
type RunOption func(*runSettings)

type runSettings struct {
	domain string
}

// WithDomain overrides the scoring domain for one session. Unknown domains
// fall back to the default weight vector at lookup time.
func WithDomain(domain string) RunOption {
	return func(s *runSettings) { s.domain = domain }
}

// Run triages the objective and, unless the Caller stops it, executes the
// full chain. A suggest decision pauses the session for user confirmation;
// continue it with Resume.
func (o *Orchestrator) Run(ctx context.Context, objective string, opts ...RunOption) (*Result, error) {
	settings := runSettings{domain: o.cfg.DefaultDomain}
	for _, opt := range opts {
		opt(&settings)
	}
	sessionID := o.clock().UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	o.logger.Info("session started", "session", sessionID, "config", o.cfg.Fingerprint)
	_ = o.auditor.Record(ctx, audit.EventSession, sessionID, "", "session_start",
		map[string]any{"objective": objective, "config_hash": o.cfg.Fingerprint})
	if o.obs != nil {
		o.obs.SessionStarted(ctx)
	}

	decision, err := o.triage(ctx, sessionID, objective)
	if err != nil {
		if o.obs != nil {
			o.obs.RecordError(ctx, RoleCaller, err)
			o.obs.SessionEnded(ctx)
		}
		return nil, err
	}
	switch decision.Status {
	case CallerTerminate:
		o.logger.Info("session terminated by triage", "session", sessionID, "response", decision.Response)
		if o.obs != nil {
			o.obs.SessionEnded(ctx)
		}
		return &Result{
			SessionID: sessionID,
			State:     StateTerminated,
			Objective: objective,
			Domain:    settings.domain,
			Caller:    decision,
		}, nil
	case CallerSuggest:
		o.logger.Info("session awaiting objective confirmation", "session", sessionID)
		return &Result{
			SessionID: sessionID,
			State:     StateAwaitingConfirmation,
			Objective: objective,
			Domain:    settings.domain,
			Caller:    decision,
		}, nil
	}

	final := objective
	if decision.Objective != "" {
		final = decision.Objective
	}
	res, err := o.runPipeline(ctx, sessionID, objective, final, settings.domain)
	if res != nil {
		res.Caller = decision
	}
	return res, err
}

// Resume continues a session the Caller paused. An empty objective accepts
// the Caller's suggestion; anything else is the user's own replacement.
func (o *Orchestrator) Resume(ctx context.Context, paused *Result, objective string) (*Result, error) {
	if paused == nil || paused.State != StateAwaitingConfirmation {
		return nil, fmt.Errorf("session is not awaiting confirmation")
	}
	if objective == "" && paused.Caller != nil {
		objective = paused.Caller.SuggestedObjective
	}
	if objective == "" {
		objective = paused.Objective
	}
	res, err := o.runPipeline(ctx, paused.SessionID, paused.Objective, objective, paused.Domain)
	if res != nil {
		res.Caller = paused.Caller
	}
	return res, err
}

// triage runs the Caller. Any failure short of transport falls back to
// proceeding with the raw objective; only a dead transport stops the chain.
func (o *Orchestrator) triage(ctx context.Context, sessionID, objective string) (*CallerDecision, error) {
	proceed := &CallerDecision{Status: CallerProceed, Objective: objective}
	shape := o.cfg.RoleShapes[RoleCaller]

	reply, err := o.gen.Generate(ctx, roleSystems[RoleCaller], callerUser(objective), shape.Temperature)
	if err != nil {
		if errors.Is(err, generate.ErrTransport) {
			return nil, fmt.Errorf("triage: %w", err)
		}
		o.logger.Warn("triage failed, proceeding with original objective", "session", sessionID, "error", err)
		return proceed, nil
	}
	raw, err := ExtractObject(reply)
	if err != nil {
		o.logger.Warn("triage returned no JSON, proceeding with original objective", "session", sessionID)
		return proceed, nil
	}
	if err := schema.ValidateCaller(raw); err != nil {
		o.logger.Warn("triage decision invalid, proceeding with original objective",
			"session", sessionID, "error", err)
		return proceed, nil
	}

	decision := &CallerDecision{Status: str(raw["status"])}
	switch decision.Status {
	case CallerTerminate:
		decision.Response = str(raw["response"])
	case CallerProceed:
		if payload, ok := raw["payload"].(map[string]any); ok {
			decision.Objective = str(payload["objective"])
		}
	case CallerSuggest:
		decision.SuggestedObjective = str(raw["suggested_objective"])
		decision.ConfirmationQuestion = str(raw["user_confirmation_question"])
		if ins, ok := raw["axp_insight"].(map[string]any); ok {
			decision.Insight = &CallerInsight{
				Title:   str(ins["title"]),
				Verdict: str(ins["verdict"]),
			}
			for _, p := range list(ins["perspectives"]) {
				decision.Insight.Perspectives = append(decision.Insight.Perspectives, str(p))
			}
		}
	}
	_ = o.auditor.Record(ctx, audit.EventStep, sessionID, RoleCaller, "triage",
		map[string]any{"status": decision.Status})
	return decision, nil
}

// runPipeline executes the five-role chain for a confirmed objective.
// rawObjective is what the user originally asked for; it heads the final
// report even when the Caller rewrote it.
func (o *Orchestrator) runPipeline(ctx context.Context, sessionID, rawObjective, objective, domain string) (*Result, error) {
	reg, err := registry.New([]registry.SliceSpec{
		{Name: RoleStrategist, Prefix: "S"},
		{Name: RoleAnalyst, Prefix: "A"},
		{Name: RoleProducer, Prefix: "P"},
		{Name: RoleCourier, Prefix: "C"},
		{Name: RoleCritic, Prefix: "X"},
		{Name: SliceQA, Prefix: "Q"},
	})
	if err != nil {
		return nil, err
	}

	authority := lease.New(o.cfg.Lease.Duration, o.cfg.Lease.RiskThreshold, sessionID, nil, o.logger,
		lease.WithClock(o.clock))

	res := &Result{
		SessionID: sessionID,
		Objective: objective,
		Domain:    domain,
		Governance: GovernanceSummary{
			HardSignals: []string{},
			SoftSignals: []string{},
			Redundancy:  map[string]float64{},
		},
	}
	var prevTexts []string
	var qaP2A, qaC2P *QAExchange

	for _, role := range chainRoles {
		var user string
		switch role {
		case RoleStrategist:
			user = strategistUser(objective)
		case RoleAnalyst:
			user = analystUser(objective, sliceJSON(reg, RoleStrategist))
		case RoleProducer:
			qaP2A = o.microQA(ctx, sessionID, reg, RoleProducer, RoleAnalyst,
				"Strategy objects:\n"+sliceJSON(reg, RoleStrategist)+
					"\nAnalysis objects:\n"+sliceJSON(reg, RoleAnalyst))
			if qaP2A != nil {
				res.QALog = append(res.QALog, *qaP2A)
			}
			user = producerUser(objective, sliceJSON(reg, RoleStrategist), sliceJSON(reg, RoleAnalyst),
				qaSection(RoleAnalyst, qaP2A))
		case RoleCourier:
			qaC2P = o.microQA(ctx, sessionID, reg, RoleCourier, RoleProducer,
				"Production assets:\n"+sliceJSON(reg, RoleProducer))
			if qaC2P != nil {
				res.QALog = append(res.QALog, *qaC2P)
			}
			user = courierUser(objective, sliceJSON(reg, RoleProducer), qaSection(RoleProducer, qaC2P))
		case RoleCritic:
			user = criticUser(objective,
				sliceJSON(reg, RoleStrategist), sliceJSON(reg, RoleAnalyst),
				sliceJSON(reg, RoleProducer), sliceJSON(reg, RoleCourier))
		}

		step, err := o.runStep(ctx, sessionID, reg, role, user, objective, domain, &prevTexts)
		if err != nil {
			_ = o.auditor.Record(ctx, audit.EventSession, sessionID, role, "session_aborted",
				map[string]any{"error": err.Error()})
			if o.obs != nil {
				o.obs.RecordError(ctx, role, err)
				o.obs.SessionEnded(ctx)
			}
			return nil, err
		}
		res.Steps = append(res.Steps, step)
		res.Governance.Redundancy[role] = round3(step.Redundancy)
	}

	if err := o.finalize(ctx, sessionID, rawObjective, reg, res, prevTexts, authority); err != nil {
		_ = o.auditor.Record(ctx, audit.EventSession, sessionID, RoleGovernance, "session_aborted",
			map[string]any{"error": err.Error()})
		if o.obs != nil {
			o.obs.RecordError(ctx, RoleGovernance, err)
			o.obs.SessionEnded(ctx)
		}
		return nil, err
	}
	if o.obs != nil {
		o.obs.SessionEnded(ctx)
	}
	return res, nil
}

// runStep executes one role: generate under the validation contract, write
// the ledger entry, score trust and apply the governance coupling.
func (o *Orchestrator) runStep(ctx context.Context, sessionID string, reg *registry.Registry, role, user, objective, domain string, prevTexts *[]string) (StepResult, error) {
	started := o.clock()
	if o.obs != nil {
		o.obs.RecordStep(ctx, role)
	}

	outcome, err := o.executor.Run(ctx, reg, Step{
		Role:   role,
		Slice:  role,
		System: roleSystems[role],
		User:   user,
	}, prevTexts)
	if err != nil {
		return StepResult{}, err
	}

	action := actionFor[role]
	if _, err := o.led.Append(role, action, map[string]any{
		"session_id": sessionID,
		"agent_id":   strings.ToLower(role) + "-" + uuid.NewString()[:8],
		"input":      user,
		"output":     outcome.Text,
	}, o.cfg.Fingerprint); err != nil {
		// The ledger is the system of record; a failed append is fatal.
		return StepResult{}, fmt.Errorf("ledger append for %s: %w", role, err)
	}

	score, err := o.judge.Score(ctx, role, outcome.Text, domain)
	if err != nil {
		return StepResult{}, err
	}
	gov := o.engine.Apply(score, objective, outcome.Text)
	o.logger.Info("step complete",
		"session", sessionID, "role", role,
		"iv", gov.Score.IntegrityVector, "ird", gov.Score.IRD,
		"degraded", outcome.Degraded)

	_ = o.auditor.Record(ctx, audit.EventStep, sessionID, role, action, map[string]any{
		"degraded":   outcome.Degraded,
		"artifacts":  len(outcome.Artifacts),
		"redundancy": outcome.Redundancy,
	})
	if o.obs != nil {
		o.obs.RecordStepDuration(ctx, role, o.clock().Sub(started))
	}

	return StepResult{
		Role:       role,
		Output:     outcome.Text,
		Degraded:   outcome.Degraded,
		Reason:     outcome.Reason,
		Redundancy: outcome.Redundancy,
		Governance: gov,
	}, nil
}

// microQA runs one clarification round between adjacent roles. It is best
// effort: any failure skips the exchange, it never stops the chain.
func (o *Orchestrator) microQA(ctx context.Context, sessionID string, reg *registry.Registry, asker, responder, contextText string) *QAExchange {
	question, err := o.gen.Generate(ctx, microQAAskSystem(asker, responder),
		microQAAskUser(contextText, responder), microQAAskTemperature)
	if err != nil {
		o.logger.Warn("micro-QA question failed", "session", sessionID, "asker", asker, "error", err)
		return nil
	}
	if isNone(question) {
		return nil
	}
	answer, err := o.gen.Generate(ctx, microQAAnswerSystem(responder, asker),
		microQAAnswerUser(contextText, question), microQAAnswerTemperature)
	if err != nil {
		o.logger.Warn("micro-QA answer failed", "session", sessionID, "responder", responder, "error", err)
		return nil
	}

	ex := &QAExchange{
		From:     asker,
		To:       responder,
		Question: strings.TrimSpace(question),
		Answer:   strings.TrimSpace(answer),
	}
	if _, err := reg.Append(SliceQA, map[string]any{
		"from": ex.From, "to": ex.To, "question": ex.Question, "answer": ex.Answer,
	}, nil); err != nil {
		o.logger.Warn("micro-QA registry append failed", "session", sessionID, "error", err)
	}
	return ex
}

// finalize aggregates governance, runs the drift audit, writes the
// governance-summary ledger entry and replays the chain. A session whose
// summary entry cannot be written is not complete.
func (o *Orchestrator) finalize(ctx context.Context, sessionID, rawObjective string, reg *registry.Registry, res *Result, prevTexts []string, authority *lease.Lease) error {
	res.FinalReport = composeFinalReport(rawObjective, reg, res.QALog)
	res.Registry = reg.Snapshot()

	hard := map[string]bool{}
	soft := map[string]bool{}
	unknown := map[string]bool{}
	for _, step := range res.Steps {
		for _, s := range step.Governance.HardSignals {
			hard[s] = true
		}
		for _, s := range step.Governance.SoftSignals {
			soft[s] = true
		}
		for _, s := range step.Governance.Unknown {
			unknown[s] = true
		}
	}

	combined := rawObjective
	for _, t := range prevTexts {
		combined += "\n\n" + t
	}
	combined += "\n\n" + res.FinalReport
	for _, s := range o.engine.SessionSoftSignals(combined, res.Governance.Redundancy) {
		soft[s] = true
	}

	res.Sentinel = sentinel.Audit(res.Registry, chainRoles, prevTexts)
	if len(res.Sentinel.Flags) > 0 {
		soft["DRIFT"] = true
		res.Governance.Drift = res.Sentinel.Drift
	}

	res.Governance.HardSignals = sortedKeys(hard)
	res.Governance.SoftSignals = sortedKeys(soft)
	res.Governance.Unknown = sortedKeys(unknown)
	res.Governance.NoGo = len(hard) > 0
	res.Governance.RequiresRRP = len(hard) > 0

	risk := sessionRisk(res.Governance)
	if authority.Expired(&risk) {
		res.LeaseExpired = true
		o.logger.Warn("authority lease expired at finalize",
			"session", sessionID, "risk", risk, "remaining", authority.Remaining())
		_ = o.auditor.Record(ctx, audit.EventLease, sessionID, "", "lease_expired",
			map[string]any{"risk": risk})
	}

	summary := map[string]any{
		"session_id": sessionID,
		"governance": res.Governance,
	}
	if o.cfg.WriteGovernanceToLedger {
		summary["sentinel"] = res.Sentinel
	}
	if _, err := o.led.Append(RoleGovernance, "governance_summary", summary, o.cfg.Fingerprint); err != nil {
		// Same rule as the role steps: the ledger is the system of record.
		return fmt.Errorf("ledger append for governance summary: %w", err)
	}
	_ = o.auditor.Record(ctx, audit.EventGovernance, sessionID, RoleGovernance, "governance_summary",
		map[string]any{"no_go": res.Governance.NoGo, "soft": res.Governance.SoftSignals})

	rep, err := sentinel.VerifyLedger(o.cfg.LedgerDir)
	if err != nil {
		o.logger.Warn("ledger replay failed", "session", sessionID, "error", err)
	} else {
		res.Ledger = rep
		if !rep.Valid() {
			o.logger.Error("ledger integrity compromised",
				"session", sessionID, "issues", len(rep.Issues))
		} else {
			o.logger.Info("ledger verified", "session", sessionID, "entries", rep.Entries)
		}
	}

	res.State = StateComplete
	_ = o.auditor.Record(ctx, audit.EventSession, sessionID, "", "session_complete",
		map[string]any{"state": string(res.State)})
	return nil
}

// sessionRisk folds the governance outcome into the [0,100] risk figure the
// authority lease is checked against: a hard stop forfeits authority, soft
// signals erode it.
func sessionRisk(g GovernanceSummary) float64 {
	if g.NoGo {
		return 95
	}
	risk := 10 * float64(len(g.SoftSignals))
	if risk > 60 {
		risk = 60
	}
	return risk
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}
