package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ledgerline-Labs/keel/pkg/crypto"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	l, err := Open(dir, signer, quietLogger())
	require.NoError(t, err)
	return l, dir
}

func appendN(t *testing.T, l *Ledger, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append("Strategist", "generate", map[string]any{"step": i}, "sha256:abc")
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func TestAppendChainsFromGenesis(t *testing.T) {
	l, dir := testLedger(t)

	entries := appendN(t, l, 3)

	assert.Equal(t, Genesis, entries[0].PreviousHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
	assert.Equal(t, entries[1].EntryHash, entries[2].PreviousHash)
	assert.Equal(t, entries[2].EntryHash, l.Head())

	// public key published next to segments
	_, err := os.Stat(filepath.Join(dir, "public.key"))
	assert.NoError(t, err)
}

func TestAppendRejectsEmptyRoleOrAction(t *testing.T) {
	l, _ := testLedger(t)
	_, err := l.Append("", "generate", nil, "")
	assert.Error(t, err)
	_, err = l.Append("Strategist", "", nil, "")
	assert.Error(t, err)
}

func TestVerifyCleanChain(t *testing.T) {
	l, dir := testLedger(t)
	appendN(t, l, 5)

	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, 5, report.Entries)
	assert.Equal(t, 5, report.Verified)
	assert.Zero(t, report.Unverifiable)
}

func TestReopenRecoversHead(t *testing.T) {
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	l1, err := Open(dir, signer, quietLogger())
	require.NoError(t, err)
	first, err := l1.Append("Analyst", "generate", map[string]any{"k": 1}, "")
	require.NoError(t, err)

	l2, err := Open(dir, signer, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, l2.Head())

	second, err := l2.Append("Producer", "generate", map[string]any{"k": 2}, "")
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, 2, report.Verified)
}

// tamper rewrites one record in the single segment via fn.
func tamper(t *testing.T, dir string, lineIdx int, fn func(*Record)) {
	t.Helper()
	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	raw, err := os.ReadFile(segs[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Greater(t, len(lines), lineIdx)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[lineIdx]), &rec))
	fn(&rec)
	out, err := json.Marshal(rec)
	require.NoError(t, err)
	lines[lineIdx] = string(out)
	require.NoError(t, os.WriteFile(segs[0], []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestVerifyReportsTamperedData(t *testing.T) {
	l, dir := testLedger(t)
	appendN(t, l, 3)

	tamper(t, dir, 1, func(r *Record) {
		r.Entry.Data["step"] = 99
	})

	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, report.Valid())

	reasons := make([]string, 0, len(report.Issues))
	for _, is := range report.Issues {
		assert.Equal(t, 2, is.Line)
		reasons = append(reasons, is.Reason)
	}
	assert.Contains(t, reasons, "data hash mismatch")
	assert.Contains(t, reasons, "invalid signature")
	// untouched neighbors still verify
	assert.Equal(t, 2, report.Verified)
}

func TestVerifyReportsEveryBrokenRecord(t *testing.T) {
	l, dir := testLedger(t)
	appendN(t, l, 4)

	tamper(t, dir, 0, func(r *Record) { r.Entry.Data["step"] = -1 })
	tamper(t, dir, 2, func(r *Record) { r.Entry.PreviousHash = "forged" })

	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, report.Valid())

	linesSeen := map[int]bool{}
	for _, is := range report.Issues {
		linesSeen[is.Line] = true
	}
	assert.True(t, linesSeen[1], "first tampered record must be reported")
	assert.True(t, linesSeen[3], "second tampered record must be reported")
	assert.Equal(t, 2, report.Verified)
}

func TestVerifyReportsUnparseableLine(t *testing.T) {
	l, dir := testLedger(t)
	appendN(t, l, 1)

	segs, err := Segments(dir)
	require.NoError(t, err)
	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "unparseable record", report.Issues[0].Reason)
}

func TestMACModeUnverifiableWithoutSecret(t *testing.T) {
	dir := t.TempDir()
	mac, err := crypto.NewMACSigner([]byte("shared-master-secret"))
	require.NoError(t, err)

	l, err := Open(dir, mac, quietLogger())
	require.NoError(t, err)
	_, err = l.Append("Critic", "evaluation", map[string]any{"iv": 0.8}, "")
	require.NoError(t, err)

	// no public.key was published
	_, statErr := os.Stat(filepath.Join(dir, "public.key"))
	assert.True(t, os.IsNotExist(statErr))

	// third party: hashes check, signature cannot
	report, err := Verify(dir, VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, 1, report.Unverifiable)
	assert.Zero(t, report.Verified)

	// holder of the secret verifies fully
	report, err = Verify(dir, VerifyOptions{MAC: mac})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)
	assert.Zero(t, report.Unverifiable)
}

func TestEntryHashDeterministic(t *testing.T) {
	h1 := EntryHash("2026-01-02T03:04:05Z", "Strategist", "generate", "abc", Genesis)
	h2 := EntryHash("2026-01-02T03:04:05Z", "Strategist", "generate", "abc", Genesis)
	h3 := EntryHash("2026-01-02T03:04:05Z", "Strategist", "generate", "abd", Genesis)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestStoreMirror(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	l, err := Open(filepath.Join(dir, "ledger"), signer, quietLogger(),
		WithStore(store), WithClock(func() time.Time {
			return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		}))
	require.NoError(t, err)

	appendN(t, l, 3)

	last, err := store.LastN(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	// newest first
	assert.Equal(t, float64(2), last[0].Data["step"])
	assert.Equal(t, "sha256:abc", last[0].ConfigHash)
	assert.Equal(t, l.Head(), last[0].EntryHash)
}
