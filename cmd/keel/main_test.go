package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ledgerline-Labs/keel/pkg/crypto"
	"github.com/Ledgerline-Labs/keel/pkg/lease"
	"github.com/Ledgerline-Labs/keel/pkg/ledger"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "keel run")
}

func TestVerifyCmdCleanLedger(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	led, err := ledger.Open(dir, signer, slog.Default())
	require.NoError(t, err)
	_, err = led.Append("Strategist", "generate_strategy", map[string]any{"output": "x"}, "")
	require.NoError(t, err)

	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "verify", "--ledger", dir}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "verified: 1")
}

func TestVerifyCmdMissingDir(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "verify", "--ledger", filepath.Join(t.TempDir(), "absent")}, &out, &errOut)
	// An absent directory is an empty, valid chain.
	assert.Equal(t, 0, code)
}

func TestTokenCmdIssuesUsableToken(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "token", "--secret", "s3cret", "--operator", "op-1"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	l := lease.New(time.Minute, 90, "op-1", []byte("s3cret"), slog.Default())
	_, err := l.Extend(time.Minute, token)
	assert.NoError(t, err)
}

func TestTokenCmdRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "token"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
