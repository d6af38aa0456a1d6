package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ledgerline-Labs/keel/pkg/crypto"
)

// Ledger is the single-writer append side of the audit chain. All appends go
// through one mutex so "read last hash, compute, insert" is atomic; two
// writers racing on previous_hash would fork the chain.
type Ledger struct {
	mu     sync.Mutex
	dir    string
	signer crypto.Signer
	head   string
	clock  func() time.Time
	logger *slog.Logger
	store  *Store
}

// Option configures a Ledger at open time.
type Option func(*Ledger)

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithStore mirrors every append into a relational store.
func WithStore(s *Store) Option {
	return func(l *Ledger) { l.store = s }
}

// Open prepares dir for appending: creates it, publishes the verification
// key next to the segments, and recovers the chain head from the last line
// of the newest segment.
func Open(dir string, signer crypto.Signer, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	if signer == nil {
		return nil, fmt.Errorf("ledger open: signer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}

	l := &Ledger{
		dir:    dir,
		signer: signer,
		head:   Genesis,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	if pub := signer.PublicKeyBytes(); pub != nil {
		if err := os.WriteFile(filepath.Join(dir, "public.key"), pub, 0o644); err != nil {
			return nil, fmt.Errorf("ledger open: publish public key: %w", err)
		}
	} else {
		logger.Warn("ledger running in MAC mode; entries are not third-party verifiable")
	}

	head, err := recoverHead(dir)
	if err != nil {
		return nil, err
	}
	l.head = head
	return l, nil
}

// recoverHead returns the entry_hash of the last record on disk, or Genesis
// when the directory holds no segments.
func recoverHead(dir string) (string, error) {
	segs, err := Segments(dir)
	if err != nil {
		return "", err
	}
	for i := len(segs) - 1; i >= 0; i-- {
		last, err := lastRecord(segs[i])
		if err != nil {
			return "", err
		}
		if last != nil {
			return last.Entry.EntryHash, nil
		}
	}
	return Genesis, nil
}

func lastRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open segment %s: %w", path, err)
	}
	defer f.Close()

	var last *Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A corrupt tail cannot be silently chained past; verification
			// will itemize it, but appending must stop here.
			return nil, fmt.Errorf("ledger: segment %s has unparseable tail: %w", path, err)
		}
		last = &rec
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan segment %s: %w", path, err)
	}
	return last, nil
}

// Append signs and writes one entry, advancing the chain head. It returns
// the written entry for downstream linkage.
func (l *Ledger) Append(role, action string, data map[string]any, configHash string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	entry, err := newEntry(now, role, action, data, l.head, configHash, l.signer.Algorithm())
	if err != nil {
		return nil, err
	}

	payload, err := entry.SigningPayload()
	if err != nil {
		return nil, fmt.Errorf("ledger append: %w", err)
	}
	sig, err := l.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger append: sign: %w", err)
	}

	line, err := json.Marshal(Record{Entry: entry, Sig: sig})
	if err != nil {
		return nil, fmt.Errorf("ledger append: marshal record: %w", err)
	}

	path := l.segmentPath(now)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger append: open segment: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger append: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ledger append: close segment: %w", err)
	}

	l.head = entry.EntryHash

	if l.store != nil {
		if err := l.store.Insert(entry); err != nil {
			// The JSONL chain is the source of truth; a mirror failure is
			// logged, not fatal.
			l.logger.Warn("ledger store mirror failed", "err", err)
		}
	}

	l.logger.Debug("ledger entry appended",
		"role", role, "action", action, "entry_hash", entry.EntryHash)
	return &entry, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Dir returns the segment directory.
func (l *Ledger) Dir() string { return l.dir }

func (l *Ledger) segmentPath(now time.Time) string {
	return filepath.Join(l.dir, now.UTC().Format("20060102")+".jsonl")
}

// Segments lists the JSONL segment files in dir in chain order. Day-stamped
// names sort chronologically, so lexical order is chain order.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: read dir %s: %w", dir, err)
	}
	var segs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		segs = append(segs, filepath.Join(dir, e.Name()))
	}
	sort.Strings(segs)
	return segs, nil
}
