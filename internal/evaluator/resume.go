package evaluator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/quorum"
)

// AuthorizeReset verifies a reset quorum over the session's current
// chain position and issues a single-use resume token. The endorsements
// sign the (session, seq) pair, so a ceremony cannot be replayed after
// further records land on the chain.
func (e *Evaluator) AuthorizeReset(sessionID, reason string, endorsements []quorum.Endorsement) (*quorum.Token, error) {
	if e.verifier == nil || e.tokens == nil {
		return nil, fmt.Errorf("reset quorum is not configured")
	}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	if err := e.hydrateLocked(sess); err != nil {
		sess.Unlock()
		return nil, err
	}
	seq := sess.Seq()
	state := sess.State()
	sess.Unlock()

	if state != model.OverTheLoop && state != model.EmergencyControl {
		return nil, fmt.Errorf("session %s is %s; only a latched session can be reset", sessionID, state)
	}
	if err := e.verifier.Check(quorum.ResetSubject(sessionID, seq), endorsements); err != nil {
		return nil, err
	}
	return e.tokens.Issue(sessionID, seq, reason, len(endorsements), 0)
}

// Resume consumes a reset token and returns the session to OnTheLoop.
// The token must match the session's current chain position: a record
// appended after the ceremony invalidates the token.
func (e *Evaluator) Resume(tokenID string) (Result, error) {
	if e.tokens == nil {
		return Result{}, fmt.Errorf("reset quorum is not configured")
	}

	tok, err := e.tokens.Get(tokenID)
	if err != nil {
		return Result{}, err
	}

	sess, err := e.sessions.Get(tok.SessionID)
	if err != nil {
		return Result{}, err
	}

	sess.Lock()
	defer sess.Unlock()

	if err := e.hydrateLocked(sess); err != nil {
		return Result{}, err
	}
	if sess.Frozen() {
		return Result{}, &FrozenError{SessionID: tok.SessionID}
	}
	if sess.Seq() != tok.Seq {
		return Result{}, fmt.Errorf("reset token %s was authorized at seq %d but the chain is at %d", tokenID, tok.Seq, sess.Seq())
	}

	if _, err := e.tokens.Use(tokenID); err != nil {
		return Result{}, err
	}

	from := sess.State()
	rec, err := e.append(sess, ledger.Draft{
		SessionID:  tok.SessionID,
		TraceID:    uuid.NewString(),
		Timestamp:  ledger.Now(),
		Confidence: sess.LastConfidence(),
		FromState:  from,
		NewState:   model.OnTheLoop,
		Reason:     model.ReasonQuorumReset,
		Decision:   model.ResumeAuthorized,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec, Allowed: true}, nil
}

// VerifySession walks the session's chain. A broken chain freezes the
// session and pins it in EmergencyControl: no further evaluations or
// resumes until an operator clears it. A clean verification unfreezes a
// previously frozen session, which then still needs a quorum reset to
// leave EmergencyControl.
func (e *Evaluator) VerifySession(sessionID string) ledger.VerifyResult {
	res := e.ledger.Verify(sessionID)

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return res
	}

	sess.Lock()
	defer sess.Unlock()
	if err := e.hydrateLocked(sess); err != nil {
		return res
	}
	switch {
	case !res.Valid && !sess.Frozen():
		sess.Freeze()
		sess.SetState(model.EmergencyControl)
		e.metrics.SessionFrozen(1)
	case res.Valid && sess.Frozen():
		sess.Unfreeze()
		e.metrics.SessionFrozen(-1)
	}
	return res
}
