// Package ledger implements the tamper-evident audit ledger: an append-only,
// hash-chained, signed JSON Lines store segmented by day. Every state
// mutation in a session lands here as one signed record.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Ledgerline-Labs/keel/pkg/canonical"
	"github.com/Ledgerline-Labs/keel/pkg/crypto"
)

// Genesis is the previous-hash sentinel for the first entry of a chain.
const Genesis = "genesis"

// Entry is one immutable ledger entry. Hash covers Data alone; EntryHash
// chains the entry to its predecessor and is what the next entry links to.
type Entry struct {
	Timestamp    string         `json:"timestamp"`
	Role         string         `json:"role"`
	Action       string         `json:"action"`
	Hash         string         `json:"hash"`
	Data         map[string]any `json:"data"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
	ConfigHash   string         `json:"config_hash,omitempty"`
	// SigAlg records how the entry was signed. MAC-signed entries are not
	// independently third-party-verifiable and verifiers must say so.
	SigAlg string `json:"sig_alg"`
}

// Record is one physical JSONL line: the entry plus its detached signature.
type Record struct {
	Entry Entry  `json:"entry"`
	Sig   string `json:"sig"`
}

// DataHash computes the content hash of an entry payload: SHA-256 over the
// canonical JSON of data.
func DataHash(data map[string]any) (string, error) {
	return canonical.Hash(data)
}

// EntryHash derives the chained hash from the entry's identity fields. The
// input is a fixed pipe-joined string so two implementations agree byte for
// byte.
func EntryHash(timestamp, role, action, dataHash, previousHash string) string {
	input := strings.Join([]string{timestamp, role, action, dataHash, previousHash}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// newEntry builds a fully derived entry linked to previousHash.
func newEntry(now time.Time, role, action string, data map[string]any, previousHash, configHash string, alg crypto.Algorithm) (Entry, error) {
	if role == "" {
		return Entry{}, fmt.Errorf("ledger entry: role must be non-empty")
	}
	if action == "" {
		return Entry{}, fmt.Errorf("ledger entry: action must be non-empty")
	}
	if data == nil {
		data = map[string]any{}
	}

	dataHash, err := DataHash(data)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger entry: hash data: %w", err)
	}

	ts := now.UTC().Format(time.RFC3339Nano)
	return Entry{
		Timestamp:    ts,
		Role:         role,
		Action:       action,
		Hash:         dataHash,
		Data:         data,
		PreviousHash: previousHash,
		EntryHash:    EntryHash(ts, role, action, dataHash, previousHash),
		ConfigHash:   configHash,
		SigAlg:       string(alg),
	}, nil
}

// SigningPayload is the byte string signatures cover: the canonical JSON of
// the full entry.
func (e Entry) SigningPayload() ([]byte, error) {
	return canonical.JSON(e)
}
