// Package audit implements the Audit & Memory Store: a durable,
// hash-chained, append-only event log with an adjoining session memory
// table, backed by a single embedded SQLite database in WAL journaling
// mode.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aria-run/aria/pkg/canonicalize"
	"github.com/aria-run/aria/pkg/scrub"
	"github.com/aria-run/aria/pkg/types"
)

// Kind enumerates the closed set of audit event kinds.
type Kind string

const (
	KindSessionStart    Kind = "SESSION_START"
	KindStateTransition Kind = "STATE_TRANSITION"
	KindModelRequest    Kind = "MODEL_REQUEST"
	KindModelResponse   Kind = "MODEL_RESPONSE"
	KindToolCall        Kind = "TOOL_CALL"
	KindToolResult      Kind = "TOOL_RESULT"
	KindBudgetCheck     Kind = "BUDGET_CHECK"
	KindError           Kind = "ERROR"
	KindSessionEnd      Kind = "SESSION_END"
)

var zeroHash = fmt.Sprintf("%064x", 0)

// Record is one immutable entry in a session's audit chain.
type Record struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// hashable is the exact field set the chain hash is computed over, per
// the append algorithm: (session_id, seq, kind, scrubbed_payload, prev_hash).
type hashable struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Store is the durable audit and memory backend.
type Store struct {
	db    *sql.DB
	scrub *scrub.Scrubber
}

// Open opens (creating if absent) the SQLite database at path, switches
// it to WAL journaling mode, and runs the audit/memory schema migration.
func Open(path string, scrubber *scrub.Scrubber) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening sqlite at %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enabling WAL journaling: %w", err)
	}
	s := &Store{db: db, scrub: scrubber}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			ts         TEXT NOT NULL,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE TABLE IF NOT EXISTS memory (
			session_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_ts TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("audit: schema migration: %w", err)
	}
	return nil
}

// Append writes the next record in sessionID's chain and returns its
// sequence number. The payload is scrubbed before it is canonicalized,
// hashed, or persisted. A commit failure is a fatal AuditWriteFailure:
// the caller must halt rather than continue having failed to record.
func (s *Store) Append(ctx context.Context, sessionID string, kind Kind, payload any) (uint64, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "audit payload does not marshal to JSON", err)
	}
	scrubbed, err := s.scrub.ScrubJSON(rawPayload)
	if err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "audit payload scrubbing failed", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "could not begin audit transaction", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	var prevHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID,
	).Scan(&maxSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return 0, types.Wrap(types.KindAuditWriteFailure, "could not read chain head", err)
	}

	seq := uint64(0)
	prev := zeroHash
	if maxSeq.Valid {
		seq = uint64(maxSeq.Int64) + 1
		prev = prevHash.String
	}

	h := hashable{SessionID: sessionID, Seq: seq, Kind: kind, Payload: scrubbed, PrevHash: prev}
	hash, err := canonicalize.CanonicalHash(h)
	if err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "could not compute record hash", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit (session_id, seq, kind, payload, ts, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, string(kind), string(scrubbed), now, prev, hash,
	)
	if err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "could not insert audit record", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, types.Wrap(types.KindAuditWriteFailure, "could not commit audit transaction", err)
	}

	return seq, nil
}

// Query returns all records for sessionID in ascending sequence order.
func (s *Store) Query(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, kind, payload, ts, prev_hash, hash FROM audit WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		sessionID, kind, payload, ts, prevHash, hash string
		seq                                          int64
	)
	if err := rows.Scan(&sessionID, &seq, &kind, &payload, &ts, &prevHash, &hash); err != nil {
		return Record{}, fmt.Errorf("audit: scanning row: %w", err)
	}
	parsedTS, _ := time.Parse(time.RFC3339Nano, ts)
	return Record{
		SessionID: sessionID,
		Seq:       uint64(seq),
		Kind:      Kind(kind),
		Payload:   json.RawMessage(payload),
		Timestamp: parsedTS,
		PrevHash:  prevHash,
		Hash:      hash,
	}, nil
}

// SessionSummary is one row of the `audit.list` view: a session's most
// recent activity, without pulling its full record chain.
type SessionSummary struct {
	SessionID    string
	RecordCount  uint64
	LastKind     Kind
	LastActivity time.Time
}

// ListSessions returns the most recently active sessions, most recent
// first, capped at limit (0 means unlimited).
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := `
		SELECT session_id, COUNT(*), MAX(ts)
		FROM audit
		GROUP BY session_id
		ORDER BY MAX(ts) DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var count int64
		var ts string
		if err := rows.Scan(&sum.SessionID, &count, &ts); err != nil {
			return nil, fmt.Errorf("audit: scanning session summary: %w", err)
		}
		sum.RecordCount = uint64(count)
		sum.LastActivity, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		last, err := s.lastKind(ctx, out[i].SessionID)
		if err != nil {
			return nil, err
		}
		out[i].LastKind = last
	}
	return out, nil
}

func (s *Store) lastKind(ctx context.Context, sessionID string) (Kind, error) {
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind FROM audit WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID,
	).Scan(&kind)
	if err != nil {
		return "", fmt.Errorf("audit: reading last kind for %s: %w", sessionID, err)
	}
	return Kind(kind), nil
}

// VerifyResult is the outcome of chain verification.
type VerifyResult struct {
	Ok       bool
	BrokenAt uint64
}

// Verify recomputes the hash chain for sessionID and reports the first
// broken sequence number, if any. Deterministic and side-effect-free.
func (s *Store) Verify(ctx context.Context, sessionID string) (VerifyResult, error) {
	records, err := s.Query(ctx, sessionID)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(records) == 0 {
		return VerifyResult{Ok: true}, nil
	}

	expectedPrev := zeroHash
	for _, r := range records {
		if r.PrevHash != expectedPrev {
			return VerifyResult{Ok: false, BrokenAt: r.Seq}, nil
		}
		h := hashable{SessionID: r.SessionID, Seq: r.Seq, Kind: r.Kind, Payload: r.Payload, PrevHash: r.PrevHash}
		computed, err := canonicalize.CanonicalHash(h)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: recomputing hash for seq %d: %w", r.Seq, err)
		}
		if computed != r.Hash {
			return VerifyResult{Ok: false, BrokenAt: r.Seq}, nil
		}
		expectedPrev = r.Hash
	}
	return VerifyResult{Ok: true}, nil
}

// MemorySet upserts a key/value pair scoped to sessionID.
func (s *Store) MemorySet(ctx context.Context, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("audit: marshaling memory value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory (session_id, key, value, updated_ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts`,
		sessionID, key, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: upserting memory key %s: %w", key, err)
	}
	return nil
}

// MemoryGet reads a value previously set with MemorySet. ok is false if
// the key is absent.
func (s *Store) MemoryGet(ctx context.Context, sessionID, key string) (raw json.RawMessage, ok bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM memory WHERE session_id = ? AND key = ?`, sessionID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("audit: reading memory key %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}
