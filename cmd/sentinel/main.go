// Command sentinel is the independent auditor. It shares no state with the
// pipeline: it reads the ledger directory, the published public key and an
// optional registry export, and reports whether the recorded session still
// holds up.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ledgerline-Labs/keel/pkg/chain"
	"github.com/Ledgerline-Labs/keel/pkg/ledger"
	"github.com/Ledgerline-Labs/keel/pkg/registry"
	"github.com/Ledgerline-Labs/keel/pkg/sentinel"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

type auditOutput struct {
	Ledger *ledger.Report   `json:"ledger"`
	Drift  *sentinel.Report `json:"drift,omitempty"`
}

// Run verifies the chain and, when a registry export is supplied, scores
// drift against the role outputs recovered from the ledger itself.
//
// Exit codes:
//
//	0 = chain intact, no drift flags
//	1 = chain broken or drift flagged
//	2 = runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sentinel", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		export     string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "ledger", "ledger", "Ledger directory")
	cmd.StringVar(&export, "registry", "", "Registry export JSON to audit for drift")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full report as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	out := auditOutput{}
	report, err := sentinel.VerifyLedger(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	out.Ledger = report

	if export != "" {
		snapshot, err := loadRegistryExport(export)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: registry export: %v\n", err)
			return 2
		}
		texts, err := roleOutputs(dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reading ledger outputs: %v\n", err)
			return 2
		}
		out.Drift = sentinel.Audit(snapshot, chain.Roles(), texts)
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 2
		}
	} else {
		fmt.Fprintf(stdout, "ledger: entries %d, verified %d, unverifiable %d\n",
			report.Entries, report.Verified, report.Unverifiable)
		for _, issue := range report.Issues {
			fmt.Fprintf(stdout, "BROKEN %s:%d %s\n", issue.Segment, issue.Line, issue.Reason)
		}
		if out.Drift != nil {
			fmt.Fprintf(stdout, "drift score: %.1f, flags: %v\n", out.Drift.Score, out.Drift.Flags)
		}
	}

	if !report.Valid() {
		return 1
	}
	if out.Drift != nil && len(out.Drift.Flags) > 0 {
		return 1
	}
	return 0
}

func loadRegistryExport(path string) (map[string][]registry.Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snapshot map[string][]registry.Artifact
	if err := json.Unmarshal(b, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// roleOutputs recovers the raw role outputs from the ledger's own records,
// so drift is scored against what was signed, not what the caller claims.
func roleOutputs(dir string) ([]string, error) {
	segments, err := ledger.Segments(dir)
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, seg := range segments {
		f, err := os.Open(seg)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var rec ledger.Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			if out, ok := rec.Entry.Data["output"].(string); ok && out != "" {
				texts = append(texts, out)
			}
		}
		err = scanner.Err()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return texts, nil
}
