package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Ledgerline-Labs/keel/pkg/lease"
)

// runTokenCmd implements `keel token`: mint an operator JWT carrying the
// OVERRIDE_SECURITY permission needed to extend an authority lease.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		secret   string
		operator string
		ttl      time.Duration
	)
	cmd.StringVar(&secret, "secret", "", "Shared HMAC secret (REQUIRED)")
	cmd.StringVar(&operator, "operator", "", "Operator identity (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 5*time.Minute, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if secret == "" || operator == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --secret and --operator are required")
		return 2
	}

	token, err := lease.IssueToken([]byte(secret), operator,
		[]string{lease.PermissionOverrideSecurity}, ttl, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
