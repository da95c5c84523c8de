package ledger

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/loopgate/loopgate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS governance_records (
    session_id       TEXT    NOT NULL,
    seq              INTEGER NOT NULL,
    ts               TEXT    NOT NULL,
    trace_id         TEXT    NOT NULL,
    action_digest    TEXT    NOT NULL,
    vector           TEXT    NOT NULL,
    confidence       REAL    NOT NULL,
    threat           TEXT    NOT NULL,
    from_state       TEXT    NOT NULL,
    new_state        TEXT    NOT NULL,
    reason           TEXT    NOT NULL,
    decision         TEXT    NOT NULL,
    human_latency_ms INTEGER NOT NULL DEFAULT 0,
    late_response    INTEGER NOT NULL DEFAULT 0,
    prev_seal        TEXT    NOT NULL,
    seal             TEXT    NOT NULL,
    signature        TEXT    NOT NULL DEFAULT '',
    sig_alg          TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);
`

type tail struct {
	seq  uint64
	seal string
}

// Ledger is the append-only, hash-chained record store. It is the sole
// writer of the persisted chain: sessions serialize their own appends,
// and the ledger serializes across sessions at the storage layer while
// keeping each session's chain independently verifiable.
type Ledger struct {
	db     *sql.DB
	signer Signer

	mu    sync.Mutex
	tails map[string]tail
}

// Open opens (or creates) a ledger database. A nil signer leaves
// records unsigned.
func Open(path string, signer Signer) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// Single connection: the ledger is the sole writer and modernc
	// sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	if signer == nil {
		signer = NoopSigner{}
	}
	return &Ledger{
		db:     db,
		signer: signer,
		tails:  make(map[string]tail),
	}, nil
}

// DefaultPath returns the default ledger database location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "loopgate", "ledger.db")
	}
	return filepath.Join(home, ".loopgate", "ledger.db")
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// loadTail recovers a session's chain tail from storage. Caller holds l.mu.
func (l *Ledger) loadTail(sessionID string) (tail, error) {
	if t, ok := l.tails[sessionID]; ok {
		return t, nil
	}

	var seq uint64
	var seal string
	err := l.db.QueryRow(
		`SELECT seq, seal FROM governance_records WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	).Scan(&seq, &seal)
	switch {
	case err == sql.ErrNoRows:
		t := tail{seq: 0, seal: GenesisSeal}
		l.tails[sessionID] = t
		return t, nil
	case err != nil:
		return tail{}, err
	}

	t := tail{seq: seq, seal: seal}
	l.tails[sessionID] = t
	return t, nil
}

// TailState is a session's durable chain position: the last record's
// sequence number, resulting state, and confidence. A zero Seq means
// the session has no records.
type TailState struct {
	Seq        uint64
	State      model.HitlState
	Confidence float64
}

// Tail returns a session's chain tail so a restarted process can pick
// the session up where the chain left it. A latched state persists in
// the chain and must not be erased by a restart.
func (l *Ledger) Tail(sessionID string) (TailState, error) {
	var t TailState
	var state string
	err := l.db.QueryRow(
		`SELECT seq, new_state, confidence FROM governance_records WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	).Scan(&t.Seq, &state, &t.Confidence)
	if err == sql.ErrNoRows {
		return TailState{}, nil
	}
	if err != nil {
		return TailState{}, fmt.Errorf("ledger: tail for session %s: %w", sessionID, err)
	}
	t.State = model.HitlState(state)
	return t, nil
}

// Append seals and stores a draft, assigning the session's next
// sequence number. On failure nothing is persisted and the chain tail
// does not advance; the caller may retry with the identical draft.
func (l *Ledger) Append(d Draft) (GovernanceRecord, error) {
	if d.SessionID == "" {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: fmt.Errorf("draft missing session id")}
	}
	if d.Timestamp == "" {
		d.Timestamp = Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.loadTail(d.SessionID)
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: err}
	}

	seq := t.seq + 1
	seal, err := ComputeSeal(d, seq, t.seal)
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: err}
	}

	sig, err := l.signer.Sign([]byte(seal))
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: fmt.Errorf("sign seal: %w", err)}
	}

	rec := GovernanceRecord{
		Draft:    d,
		Seq:      seq,
		PrevSeal: t.seal,
		Seal:     seal,
		SigAlg:   l.signer.Algorithm(),
	}
	if len(sig) > 0 {
		rec.Signature = base64.StdEncoding.EncodeToString(sig)
	}

	vectorJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: err}
	}
	threatJSON, err := json.Marshal(rec.Threat)
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: err}
	}

	late := 0
	if rec.LateResponse {
		late = 1
	}

	_, err = l.db.Exec(`
		INSERT INTO governance_records
		(session_id, seq, ts, trace_id, action_digest, vector, confidence, threat,
		 from_state, new_state, reason, decision, human_latency_ms, late_response,
		 prev_seal, seal, signature, sig_alg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Seq, rec.Timestamp, rec.TraceID, rec.ActionDigest,
		string(vectorJSON), rec.Confidence, string(threatJSON),
		string(rec.FromState), string(rec.NewState), string(rec.Reason), string(rec.Decision),
		rec.HumanLatencyMS, late, rec.PrevSeal, rec.Seal, rec.Signature, rec.SigAlg,
	)
	if err != nil {
		return GovernanceRecord{}, &WriteError{SessionID: d.SessionID, Cause: err}
	}

	l.tails[d.SessionID] = tail{seq: seq, seal: seal}
	return rec, nil
}

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	Error    string `json:"error,omitempty"`
	ErrorSeq uint64 `json:"error_seq,omitempty"`
}

// Verify recomputes a session's hash chain end to end: sequence numbers
// must be contiguous from 1, the first record must link to the genesis
// seal, and every seal must match its recomputed value.
func (l *Ledger) Verify(sessionID string) VerifyResult {
	cur, err := l.Read(sessionID, 0, 0)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("read: %v", err)}
	}
	defer cur.Close()

	count := 0
	prevSeal := GenesisSeal
	var expect uint64 = 1

	for {
		rec, ok := cur.Next()
		if !ok {
			break
		}
		count++

		if rec.Seq != expect {
			return VerifyResult{
				Records:  count,
				Error:    fmt.Sprintf("sequence gap: expected %d, got %d", expect, rec.Seq),
				ErrorSeq: rec.Seq,
			}
		}
		if rec.PrevSeal != prevSeal {
			return VerifyResult{
				Records:  count,
				Error:    fmt.Sprintf("chain break: prev_seal %s does not match %s", rec.PrevSeal, prevSeal),
				ErrorSeq: rec.Seq,
			}
		}
		computed, err := ComputeSeal(rec.Draft, rec.Seq, rec.PrevSeal)
		if err != nil {
			return VerifyResult{Records: count, Error: fmt.Sprintf("recompute seal: %v", err), ErrorSeq: rec.Seq}
		}
		if computed != rec.Seal {
			return VerifyResult{
				Records:  count,
				Error:    fmt.Sprintf("seal mismatch: expected %s, got %s", computed, rec.Seal),
				ErrorSeq: rec.Seq,
			}
		}

		prevSeal = rec.Seal
		expect++
	}
	if err := cur.Err(); err != nil {
		return VerifyResult{Records: count, Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Records: count}
}

// Read returns a lazy cursor over a session's records in ascending
// sequence order. from=0 starts at the beginning; to=0 reads to the
// end. The cursor is restartable: issue a new Read from the last seen
// sequence number plus one.
func (l *Ledger) Read(sessionID string, from, to uint64) (*Cursor, error) {
	if from == 0 {
		from = 1
	}

	var rows *sql.Rows
	var err error
	if to == 0 {
		rows, err = l.db.Query(`
			SELECT session_id, seq, ts, trace_id, action_digest, vector, confidence, threat,
			       from_state, new_state, reason, decision, human_latency_ms, late_response,
			       prev_seal, seal, signature, sig_alg
			FROM governance_records
			WHERE session_id = ? AND seq >= ?
			ORDER BY seq ASC`, sessionID, from)
	} else {
		rows, err = l.db.Query(`
			SELECT session_id, seq, ts, trace_id, action_digest, vector, confidence, threat,
			       from_state, new_state, reason, decision, human_latency_ms, late_response,
			       prev_seal, seal, signature, sig_alg
			FROM governance_records
			WHERE session_id = ? AND seq >= ? AND seq <= ?
			ORDER BY seq ASC`, sessionID, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read session %s: %w", sessionID, err)
	}
	return &Cursor{rows: rows}, nil
}

// Sessions lists all session ids present in the ledger.
func (l *Ledger) Sessions() ([]string, error) {
	rows, err := l.db.Query(`SELECT DISTINCT session_id FROM governance_records ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Cursor lazily iterates governance records in ascending seq order.
type Cursor struct {
	rows *sql.Rows
	err  error
}

// Next returns the next record, or ok=false at the end of the range.
func (c *Cursor) Next() (GovernanceRecord, bool) {
	if c.err != nil || !c.rows.Next() {
		return GovernanceRecord{}, false
	}

	var rec GovernanceRecord
	var vectorJSON, threatJSON string
	var late int
	var fromState, newState, reason, decision string

	err := c.rows.Scan(
		&rec.SessionID, &rec.Seq, &rec.Timestamp, &rec.TraceID, &rec.ActionDigest,
		&vectorJSON, &rec.Confidence, &threatJSON,
		&fromState, &newState, &reason, &decision,
		&rec.HumanLatencyMS, &late, &rec.PrevSeal, &rec.Seal, &rec.Signature, &rec.SigAlg,
	)
	if err != nil {
		c.err = err
		return GovernanceRecord{}, false
	}

	if err := json.Unmarshal([]byte(vectorJSON), &rec.Vector); err != nil {
		c.err = fmt.Errorf("decode vector at seq %d: %w", rec.Seq, err)
		return GovernanceRecord{}, false
	}
	if err := json.Unmarshal([]byte(threatJSON), &rec.Threat); err != nil {
		c.err = fmt.Errorf("decode threat at seq %d: %w", rec.Seq, err)
		return GovernanceRecord{}, false
	}
	rec.FromState = model.HitlState(fromState)
	rec.NewState = model.HitlState(newState)
	rec.Reason = model.Reason(reason)
	rec.Decision = model.Decision(decision)
	rec.LateResponse = late != 0

	return rec, true
}

// Err reports the first scan or decode failure.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.rows.Close()
}
