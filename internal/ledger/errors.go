package ledger

import "fmt"

// WriteError marks a recoverable append failure. Nothing was persisted
// and the session sequence counter did not advance: the caller may
// retry with the identical draft.
type WriteError struct {
	SessionID string
	Cause     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger: append failed for session %s: %v", e.SessionID, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// IntegrityError marks a broken chain: a gap, alteration, or bad
// genesis link. Fatal for the session's trust — the session must be
// frozen until externally recertified.
type IntegrityError struct {
	SessionID string
	Seq       uint64
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity failure for session %s at seq %d: %s", e.SessionID, e.Seq, e.Detail)
}
