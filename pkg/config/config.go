// Package config builds the one immutable configuration object the pipeline
// runs on. It is constructed once at startup and passed explicitly to every
// component; nothing here mutates after Load returns. A config change
// therefore affects only sessions started after a reload, never retroactively.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the semver constraint config files must satisfy.
const SupportedSchema = "^1.0"

// Unknown-signal policies for the governance coupling engine.
const (
	PolicyFailOpen   = "fail-open"
	PolicyFailClosed = "fail-closed"
)

// Weight is a per-domain trust weight vector. The three components must each
// lie in [0,1] and sum to approximately 1.
type Weight struct {
	Logical   float64 `yaml:"logical" json:"logical"`
	Practical float64 `yaml:"practical" json:"practical"`
	Probable  float64 `yaml:"probable" json:"probable"`
}

// Valid reports whether the vector is well-formed.
func (w Weight) Valid() bool {
	for _, v := range []float64{w.Logical, w.Practical, w.Probable} {
		if v < 0.0 || v > 1.0 {
			return false
		}
	}
	sum := w.Logical + w.Practical + w.Probable
	return sum >= 0.99 && sum <= 1.01
}

// SignalSpec configures one governance signal. Mode decides whether a
// detector hit tightens the trust score (hard) or is logged only (soft).
// Expr, when set, defines the detector itself as a CEL expression; otherwise
// the id must match a built-in detector.
type SignalSpec struct {
	Mode   string   `yaml:"mode" json:"mode"`
	IVMax  *float64 `yaml:"iv_max,omitempty" json:"iv_max,omitempty"`
	IRDMin *float64 `yaml:"ird_min,omitempty" json:"ird_min,omitempty"`
	Expr   string   `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// RoleShape carries the per-role generation constraints: exclusion lists,
// sampling temperature and the JSON Schema its artifacts must satisfy.
type RoleShape struct {
	Banned      []string        `yaml:"banned" json:"banned"`
	BannedRegex []string        `yaml:"banned_regex" json:"banned_regex"`
	Temperature float64         `yaml:"temperature" json:"temperature"`
	Schema      json.RawMessage `yaml:"-" json:"schema,omitempty"`
	Example     string          `yaml:"example" json:"example,omitempty"`
}

// Generator holds the text-generation backend settings, read from the
// environment the way the rest of the stack expects.
type Generator struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	RatePerMin float64
	MaxTokens  int
}

// Lease holds the authority-lease settings.
type Lease struct {
	Duration      time.Duration
	RiskThreshold float64
}

// Config is the immutable process configuration.
type Config struct {
	SchemaVersion string

	DefaultDomain string
	Weights       map[string]Weight

	Signals                 map[string]SignalSpec
	UnknownSignalPolicy     string
	WriteGovernanceToLedger bool

	RoleShapes map[string]RoleShape

	Generator Generator
	Lease     Lease

	LedgerDir string
	KeyDir    string
	ForceMAC  bool

	// Fingerprint is the sha256:... digest of every tracked config file,
	// computed at load time and stamped into each ledger entry.
	Fingerprint string
}

// DefaultWeights is the documented fallback weight table, used whenever the
// configured table is missing or invalid.
func DefaultWeights() map[string]Weight {
	return map[string]Weight{
		"default":  {Logical: 0.4, Practical: 0.4, Probable: 0.2},
		"creative": {Logical: 0.3, Practical: 0.3, Probable: 0.4},
	}
}

// DefaultSignals is the documented fallback signal table.
func DefaultSignals() map[string]SignalSpec {
	ivMax := 0.68
	irdMin := 0.55
	return map[string]SignalSpec{
		"contradiction": {Mode: "hard", IVMax: &ivMax, IRDMin: &irdMin},
	}
}

// DefaultRoleShapes returns per-role temperatures, empty exclusion lists and
// a worked example per chain role for the strict re-prompt.
func DefaultRoleShapes() map[string]RoleShape {
	return map[string]RoleShape{
		"Caller": {Temperature: 0.20},
		"Strategist": {Temperature: 0.30,
			Example: `[{"s_id": "s1", "title": "Teaser week", "audience": "early adopters", "hooks": ["scarcity"], "three_step_plan": ["tease", "reveal", "open"]}]`},
		"Analyst": {Temperature: 0.20,
			Example: `[{"a_id": "a1", "s_refs": ["S-1"], "kpi_table": "signup conversion above 2%", "falsifications": ["flat signups"], "risks": ["audience fatigue"]}]`},
		"Producer": {Temperature: 0.65,
			Example: `[{"p_id": "p1", "a_refs": ["A-1"], "spec_type": "post", "body": "Launch teaser copy."}]`},
		"Courier": {Temperature: 0.35,
			Example: `[{"day": "D1", "time": "09:00", "channel": "newsletter", "p_id": "P-1", "kpi_target": "open rate 40%", "owner_action": "send"}]`},
		"Critic": {Temperature: 0.25,
			Example: `[{"x_id": "x1", "refs": ["S-1", "P-1"], "issue": "single channel only", "fix": "add one paid channel", "severity": "medium", "proof_scores": {"L": 80, "P": 75, "R": 70}}]`},
	}
}

type signalsFile struct {
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`
	Settings      struct {
		WriteGovernanceToLedger bool   `yaml:"write_governance_to_ledger" json:"write_governance_to_ledger"`
		UnknownSignalPolicy     string `yaml:"unknown_signal_policy" json:"unknown_signal_policy"`
	} `yaml:"settings" json:"settings"`
	Signals map[string]SignalSpec `yaml:"signals" json:"signals"`
}

type weightsFile struct {
	SchemaVersion string            `yaml:"schema_version" json:"schema_version"`
	DefaultDomain string            `yaml:"default_domain" json:"default_domain"`
	Domains       map[string]Weight `yaml:"domains" json:"domains"`
}

// Load builds the Config from baseDir. Every missing or invalid file falls
// back to documented defaults with a warning; a config problem never stops
// the process from starting, it only narrows what it enforces.
func Load(baseDir string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &Config{
		SchemaVersion:       "1.0.0",
		DefaultDomain:       "creative",
		Weights:             DefaultWeights(),
		Signals:             DefaultSignals(),
		UnknownSignalPolicy: PolicyFailOpen,
		RoleShapes:          DefaultRoleShapes(),
		Generator:           generatorFromEnv(),
		Lease: Lease{
			Duration:      180 * time.Second,
			RiskThreshold: 90.0,
		},
		LedgerDir: filepath.Join(baseDir, "logs", "ledger"),
		KeyDir:    keyDirFromEnv(),
		ForceMAC:  os.Getenv("KEEL_FORCE_MAC") == "1",
	}

	loadSignals(baseDir, cfg, logger)
	loadWeights(baseDir, cfg, logger)
	loadRoleShapes(baseDir, cfg, logger)

	fp, err := Fingerprint(baseDir)
	if err != nil {
		return nil, fmt.Errorf("config fingerprint: %w", err)
	}
	cfg.Fingerprint = fp

	return cfg, nil
}

func keyDirFromEnv() string {
	if d := os.Getenv("KEEL_KEY_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keel_keys"
	}
	return filepath.Join(home, ".keel_keys")
}

func generatorFromEnv() Generator {
	g := Generator{
		APIKey:     os.Getenv("KEEL_API_KEY"),
		BaseURL:    os.Getenv("KEEL_API_BASE"),
		Timeout:    60 * time.Second,
		RatePerMin: 60,
		MaxTokens:  1600,
	}
	if g.BaseURL == "" {
		g.BaseURL = "https://api.openai.com/v1"
	}

	// Tier-based model selection: DEV, PREP and CLIENT tiers map to
	// increasingly capable models.
	tier := strings.ToUpper(os.Getenv("KEEL_TIER"))
	modelEnv := map[string]string{
		"DEV":    "KEEL_MODEL_DEV",
		"PREP":   "KEEL_MODEL_PREP",
		"CLIENT": "KEEL_MODEL_CLIENT",
	}
	envKey, ok := modelEnv[tier]
	if !ok {
		envKey = "KEEL_MODEL_DEV"
	}
	if m := os.Getenv(envKey); m != "" {
		g.Model = m
	} else {
		g.Model = "gpt-4o-mini"
	}
	return g
}

func checkSchemaVersion(version, path string, logger *slog.Logger) bool {
	if version == "" {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		logger.Warn("invalid schema_version; ignoring file", "path", path, "version", version, "err", err)
		return false
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return true
	}
	if !constraint.Check(v) {
		logger.Warn("unsupported schema_version; ignoring file", "path", path, "version", version, "supported", SupportedSchema)
		return false
	}
	return true
}

func readConfigFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(raw, out)
	default:
		return yaml.Unmarshal(raw, out)
	}
}

func loadSignals(baseDir string, cfg *Config, logger *slog.Logger) {
	path := signalsPath(baseDir)

	var file signalsFile
	if err := readConfigFile(path, &file); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("governance signals unreadable; using defaults", "path", path, "err", err)
		}
		return
	}
	if !checkSchemaVersion(file.SchemaVersion, path, logger) {
		return
	}

	norm := make(map[string]SignalSpec, len(file.Signals))
	for id, spec := range file.Signals {
		if spec.Mode != "hard" && spec.Mode != "soft" {
			logger.Warn("invalid signal mode; defaulting to hard", "signal", id, "mode", spec.Mode)
			spec.Mode = "hard"
		}
		if spec.IVMax != nil && (*spec.IVMax < 0 || *spec.IVMax > 1) {
			logger.Warn("iv_max out of range; ignoring cap", "signal", id, "iv_max", *spec.IVMax)
			spec.IVMax = nil
		}
		if spec.IRDMin != nil && (*spec.IRDMin < 0 || *spec.IRDMin > 1) {
			logger.Warn("ird_min out of range; ignoring floor", "signal", id, "ird_min", *spec.IRDMin)
			spec.IRDMin = nil
		}
		norm[id] = spec
	}
	cfg.Signals = norm
	cfg.WriteGovernanceToLedger = file.Settings.WriteGovernanceToLedger
	if file.SchemaVersion != "" {
		cfg.SchemaVersion = file.SchemaVersion
	}

	switch file.Settings.UnknownSignalPolicy {
	case PolicyFailOpen, PolicyFailClosed:
		cfg.UnknownSignalPolicy = file.Settings.UnknownSignalPolicy
	case "":
		// keep default
	default:
		logger.Warn("unknown unknown_signal_policy; keeping fail-open",
			"policy", file.Settings.UnknownSignalPolicy)
	}
	logger.Info("loaded governance signals", "path", path, "signals", len(norm))
}

func loadWeights(baseDir string, cfg *Config, logger *slog.Logger) {
	path := weightsPath(baseDir)

	var file weightsFile
	if err := readConfigFile(path, &file); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("trust weights unreadable; using defaults", "path", path, "err", err)
		}
		return
	}
	if !checkSchemaVersion(file.SchemaVersion, path, logger) {
		return
	}

	valid := make(map[string]Weight, len(file.Domains))
	for domain, w := range file.Domains {
		if !w.Valid() {
			logger.Warn("invalid weight vector; dropping domain", "domain", domain,
				"logical", w.Logical, "practical", w.Practical, "probable", w.Probable)
			continue
		}
		valid[domain] = w
	}
	if len(valid) == 0 {
		logger.Warn("no valid weight domains; keeping defaults", "path", path)
		return
	}
	// The documented default domain must always resolve.
	if _, ok := valid["default"]; !ok {
		valid["default"] = DefaultWeights()["default"]
	}
	cfg.Weights = valid
	if file.DefaultDomain != "" {
		cfg.DefaultDomain = file.DefaultDomain
	}
	logger.Info("loaded trust weights", "path", path, "domains", len(valid))
}

type roleShapesFile map[string]struct {
	Banned      []string        `json:"banned"`
	BannedRegex []string        `json:"banned_regex"`
	Temperature float64         `json:"temperature"`
	Schema      json.RawMessage `json:"schema"`
	Example     string          `json:"example"`
}

func loadRoleShapes(baseDir string, cfg *Config, logger *slog.Logger) {
	path := roleShapesPath(baseDir)

	var file roleShapesFile
	if err := readConfigFile(path, &file); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("role shapes unreadable; using defaults", "path", path, "err", err)
		}
		return
	}

	for role, shape := range file {
		merged := cfg.RoleShapes[role]
		merged.Banned = shape.Banned
		merged.BannedRegex = shape.BannedRegex
		if shape.Temperature > 0 {
			merged.Temperature = shape.Temperature
		}
		if len(shape.Schema) > 0 {
			merged.Schema = shape.Schema
		}
		if shape.Example != "" {
			merged.Example = shape.Example
		}
		cfg.RoleShapes[role] = merged
	}
	logger.Info("loaded role shapes", "path", path, "roles", len(file))
}

// WeightFor resolves the weight vector for domain, falling back to the
// default table entry when the domain is unknown.
func (c *Config) WeightFor(domain string, logger *slog.Logger) Weight {
	if w, ok := c.Weights[domain]; ok {
		return w
	}
	if logger != nil {
		logger.Warn("unknown trust domain; using default weights", "domain", domain)
	}
	if w, ok := c.Weights["default"]; ok {
		return w
	}
	return DefaultWeights()["default"]
}
