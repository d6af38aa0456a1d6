package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ledgerline-Labs/keel/pkg/crypto"
	"github.com/Ledgerline-Labs/keel/pkg/ledger"
)

// runVerifyCmd implements `keel verify`: replay the hash chain and signatures
// with nothing but the ledger directory and the published public key.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken (every broken record is listed)
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
		macSecret  string
	)
	cmd.StringVar(&dir, "ledger", "ledger", "Ledger directory")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	cmd.StringVar(&macSecret, "mac-secret-file", "", "Secret file for verifying MAC-signed ledgers")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	opts := ledger.VerifyOptions{}
	if macSecret != "" {
		secret, err := os.ReadFile(macSecret)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reading MAC secret: %v\n", err)
			return 2
		}
		mac, err := crypto.NewMACSigner(secret)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		opts.MAC = mac
	}

	report, err := ledger.Verify(dir, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 2
		}
	} else {
		fmt.Fprintf(stdout, "entries: %d  verified: %d  unverifiable: %d\n",
			report.Entries, report.Verified, report.Unverifiable)
		for _, issue := range report.Issues {
			fmt.Fprintf(stdout, "BROKEN %s:%d %s\n", issue.Segment, issue.Line, issue.Reason)
		}
	}

	if !report.Valid() {
		return 1
	}
	return 0
}
