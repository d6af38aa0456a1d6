package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Ledgerline-Labs/keel/pkg/chain"
	"github.com/Ledgerline-Labs/keel/pkg/config"
	"github.com/Ledgerline-Labs/keel/pkg/crypto"
	"github.com/Ledgerline-Labs/keel/pkg/generate"
	"github.com/Ledgerline-Labs/keel/pkg/ledger"
	"github.com/Ledgerline-Labs/keel/pkg/observability"
)

// runSessionCmd implements `keel run`: one full session against the
// configured generation backend.
//
// Exit codes:
//
//	0 = session complete
//	1 = session complete with governance no-go
//	2 = runtime error
//	3 = terminated by triage
func runSessionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		objective string
		baseDir   string
		autoYes   bool
		jsonOut   string
	)
	cmd.StringVar(&objective, "objective", "", "Objective to run the chain on (REQUIRED)")
	cmd.StringVar(&baseDir, "base-dir", ".", "Base directory holding config/ and the ledger")
	var domain string
	cmd.StringVar(&domain, "domain", "", "Override the scoring domain for this session")
	cmd.BoolVar(&autoYes, "yes", false, "Accept a suggested objective without prompting")
	cmd.StringVar(&jsonOut, "json-out", "", "Write the full session result as JSON to file")
	var registryOut string
	cmd.StringVar(&registryOut, "registry-out", "", "Write the registry export (for sentinel drift audits) to file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if objective == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --objective is required")
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	cfg, err := config.Load(baseDir, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}

	signer, err := crypto.NewKeyring(cfg.KeyDir, logger).Load(cfg.ForceMAC)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: keyring: %v\n", err)
		return 2
	}
	if err := os.MkdirAll(cfg.LedgerDir, 0o755); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ledger dir: %v\n", err)
		return 2
	}
	var ledgerOpts []ledger.Option
	if store, err := ledger.OpenStore(filepath.Join(cfg.LedgerDir, "audit.db")); err != nil {
		// Mirror only; JSONL remains the system of record.
		logger.Warn("sqlite ledger mirror unavailable", "error", err)
	} else {
		defer func() { _ = store.Close() }()
		ledgerOpts = append(ledgerOpts, ledger.WithStore(store))
	}
	led, err := ledger.Open(cfg.LedgerDir, signer, logger, ledgerOpts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ledger: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: observability: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	gen := generate.NewClient(cfg.Generator, logger)
	orch, err := chain.New(cfg, gen, led, logger, chain.WithObservability(obs))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var runOpts []chain.RunOption
	if domain != "" {
		runOpts = append(runOpts, chain.WithDomain(domain))
	}
	res, err := orch.Run(ctx, objective, runOpts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: session failed: %v\n", err)
		return 2
	}

	if res.State == chain.StateAwaitingConfirmation {
		res, err = confirmAndResume(ctx, orch, res, autoYes, stdout, os.Stdin)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: session failed: %v\n", err)
			return 2
		}
	}

	if jsonOut != "" {
		if err := writeJSON(jsonOut, res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: writing result: %v\n", err)
			return 2
		}
	}
	if registryOut != "" && res.Registry != nil {
		if err := writeJSON(registryOut, res.Registry); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: writing registry export: %v\n", err)
			return 2
		}
	}

	switch res.State {
	case chain.StateTerminated:
		_, _ = fmt.Fprintf(stdout, "Terminated by triage: %s\n", res.Caller.Response)
		return 3
	case chain.StateComplete:
		_, _ = fmt.Fprintln(stdout, res.FinalReport)
		_, _ = fmt.Fprintf(stdout, "\nSession %s: sentinel score %.1f", res.SessionID, res.Sentinel.Score)
		if res.Ledger != nil {
			_, _ = fmt.Fprintf(stdout, ", ledger entries %d verified %d", res.Ledger.Entries, res.Ledger.Verified)
		}
		_, _ = fmt.Fprintln(stdout)
		if res.Governance.NoGo {
			_, _ = fmt.Fprintf(stdout, "NO-GO: hard signals %v\n", res.Governance.HardSignals)
			return 1
		}
		if res.Ledger != nil && !res.Ledger.Valid() {
			_, _ = fmt.Fprintf(stdout, "LEDGER BROKEN: %d issues\n", len(res.Ledger.Issues))
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Error: session ended in unexpected state %s\n", res.State)
		return 2
	}
}

// confirmAndResume handles the triage pause: show the suggestion, collect
// the user's answer, continue the chain.
func confirmAndResume(ctx context.Context, orch *chain.Orchestrator, paused *chain.Result, autoYes bool, stdout io.Writer, stdin io.Reader) (*chain.Result, error) {
	dec := paused.Caller
	_, _ = fmt.Fprintf(stdout, "Suggested objective: %s\n", dec.SuggestedObjective)
	if dec.Insight != nil {
		_, _ = fmt.Fprintf(stdout, "Insight: %s (%s)\n", dec.Insight.Title, dec.Insight.Verdict)
		for _, p := range dec.Insight.Perspectives {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", p)
		}
	}
	if autoYes {
		return orch.Resume(ctx, paused, "")
	}

	_, _ = fmt.Fprintf(stdout, "%s [Y/n, or type a replacement]: ", dec.ConfirmationQuestion)
	line, _ := bufio.NewReader(stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "", "y", "yes":
		return orch.Resume(ctx, paused, "")
	case "n", "no":
		return orch.Resume(ctx, paused, paused.Objective)
	default:
		return orch.Resume(ctx, paused, line)
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
