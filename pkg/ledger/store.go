package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store mirrors ledger entries into a SQLite table for ad-hoc querying.
// The JSONL chain stays the source of truth; the store is a read convenience
// and is never consulted during verification.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the mirror database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger store: open %s: %w", path, err)
	}
	// One writer mirrors one ledger; contention comes from readers only.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			role TEXT NOT NULL,
			action TEXT NOT NULL,
			data_hash TEXT NOT NULL,
			data_json TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			config_hash TEXT,
			sig_alg TEXT NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger store: create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert mirrors one entry.
func (s *Store) Insert(e Entry) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("ledger store: marshal data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_log
			(timestamp, role, action, data_hash, data_json, previous_hash, entry_hash, config_hash, sig_alg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Role, e.Action, e.Hash, string(dataJSON),
		e.PreviousHash, e.EntryHash, e.ConfigHash, e.SigAlg)
	if err != nil {
		return fmt.Errorf("ledger store: insert: %w", err)
	}
	return nil
}

// LastN returns the most recent n mirrored entries, newest first.
func (s *Store) LastN(n int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, role, action, data_hash, data_json, previous_hash, entry_hash, config_hash, sig_alg
		FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("ledger store: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var dataJSON string
		var configHash sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.Role, &e.Action, &e.Hash, &dataJSON,
			&e.PreviousHash, &e.EntryHash, &configHash, &e.SigAlg); err != nil {
			return nil, fmt.Errorf("ledger store: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("ledger store: decode data: %w", err)
		}
		e.ConfigHash = configHash.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
