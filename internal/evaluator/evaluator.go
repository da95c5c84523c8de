// Package evaluator runs the governance pipeline: score an action,
// assess its threat profile, resolve the state transition, wait for a
// human when the machine demands one, and seal the outcome into the
// audit ledger. Exactly one record is appended per evaluation.
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/hitl"
	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/metrics"
	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/quorum"
	"github.com/loopgate/loopgate/internal/scorer"
	"github.com/loopgate/loopgate/internal/threat"
)

// FrozenError is returned when an evaluation targets a session frozen
// after a ledger integrity failure. No record is appended: a chain that
// failed verification accepts no further writes until it is inspected.
type FrozenError struct {
	SessionID string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("session %s is frozen pending ledger inspection", e.SessionID)
}

// Result is the outcome of one evaluation. Allowed is true only for
// decisions that permit the action to proceed.
type Result struct {
	Record  ledger.GovernanceRecord
	Allowed bool
}

// lateWindow tracks a timed-out approval still eligible for a
// late-response follow-up record.
type lateWindow struct {
	expires time.Time
	digest  string
	traceID string
}

// Evaluator owns the per-session governance pipeline. Safe for
// concurrent use; evaluations on the same session serialize on the
// session lock.
type Evaluator struct {
	cfgMu    sync.RWMutex
	cfg      *config.Config
	machine  *hitl.Machine
	detector *threat.Detector

	scorer   scorer.Scorer
	sessions *hitl.Registry
	ledger   *ledger.Ledger
	channel  approval.Channel
	verifier *quorum.Verifier
	tokens   *quorum.Store
	metrics  *metrics.Metrics

	mu         sync.Mutex
	interrupts map[string]chan model.ThreatAssessment
	late       map[string]lateWindow
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature: no verifier means Resume always fails, no
// metrics means no instrumentation.
type Options struct {
	Verifier *quorum.Verifier
	Tokens   *quorum.Store
	Metrics  *metrics.Metrics
}

// New wires an evaluator from its collaborators.
func New(cfg *config.Config, sc scorer.Scorer, led *ledger.Ledger, ch approval.Channel, opts Options) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		machine:    hitl.NewMachine(cfg),
		detector:   threat.NewDetector(cfg),
		scorer:     sc,
		sessions:   hitl.NewRegistry(),
		ledger:     led,
		channel:    ch,
		verifier:   opts.Verifier,
		tokens:     opts.Tokens,
		metrics:    opts.Metrics,
		interrupts: make(map[string]chan model.ThreatAssessment),
		late:       make(map[string]lateWindow),
	}
}

// Sessions exposes the session registry for status surfaces.
func (e *Evaluator) Sessions() *hitl.Registry { return e.sessions }

// Ledger exposes the audit ledger for read surfaces.
func (e *Evaluator) Ledger() *ledger.Ledger { return e.ledger }

// Reconfigure swaps governance parameters in place. In-flight
// evaluations finish under the snapshot they started with; the next
// evaluation sees the new thresholds.
func (e *Evaluator) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
	e.machine = hitl.NewMachine(cfg)
	e.detector = threat.NewDetector(cfg)
	return nil
}

func (e *Evaluator) snapshot() (*config.Config, *hitl.Machine, *threat.Detector) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg, e.machine, e.detector
}

// Evaluate runs the full pipeline for one action. The session is
// created on first use in OnTheLoop. A scoring failure aborts before
// any ledger write; every completed transition appends exactly one
// record, and the session state advances only after the append
// succeeds.
func (e *Evaluator) Evaluate(ctx context.Context, sessionID string, action model.ActionPayload, evalCtx model.Context) (Result, error) {
	start := time.Now()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	cfg, machine, detector := e.snapshot()

	sess.Lock()
	defer sess.Unlock()

	if err := e.hydrateLocked(sess); err != nil {
		return Result{}, err
	}
	if sess.Frozen() {
		return Result{}, &FrozenError{SessionID: sessionID}
	}

	vector, confidence, err := e.scorer.Score(ctx, action, evalCtx)
	if err != nil {
		return Result{}, err
	}

	assessment := detector.Assess(vector)
	from := sess.State()
	next, reason := machine.Transition(from, hitl.Input{
		Confidence: confidence,
		Threat:     assessment,
	})

	d := ledger.Draft{
		SessionID:    sessionID,
		TraceID:      uuid.NewString(),
		Timestamp:    ledger.Now(),
		ActionDigest: action.Digest(),
		Vector:       vector,
		Confidence:   confidence,
		Threat:       assessment,
		FromState:    from,
		NewState:     next,
		Reason:       reason,
	}

	if next == model.InTheLoop {
		d = e.awaitHuman(ctx, cfg, machine, sessionID, action, d)
	} else {
		d.Decision = decisionFor(next, reason)
	}

	rec, err := e.append(sess, d)
	if err != nil {
		return Result{}, err
	}

	if d.NewState == model.EmergencyControl && from != model.EmergencyControl {
		e.metrics.EmergencyEntered()
	}
	if d.Decision == model.HumanApprovalTimedOut {
		e.openLateWindow(cfg, sessionID, d)
	}
	e.metrics.ObserveEvaluation(string(d.Decision), string(d.Reason), time.Since(start).Seconds())

	return Result{Record: rec, Allowed: allowed(d.Decision)}, nil
}

// awaitHuman parks the evaluation on the approval channel under the
// configured deadline, with its own timer so a stalled channel cannot
// outlive the deadline, and an interrupt path for threats detected
// while waiting.
func (e *Evaluator) awaitHuman(ctx context.Context, cfg *config.Config, machine *hitl.Machine, sessionID string, action model.ActionPayload, d ledger.Draft) ledger.Draft {
	deadline := cfg.HumanDeadline()

	interrupt := make(chan model.ThreatAssessment, 1)
	e.mu.Lock()
	e.interrupts[sessionID] = interrupt
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.interrupts, sessionID)
		e.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type response struct {
		outcome approval.Outcome
		err     error
	}
	responses := make(chan response, 1)
	waitStart := time.Now()
	go func() {
		out, err := e.channel.Request(waitCtx, sessionID, action, deadline)
		responses <- response{out, err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var outcome approval.Outcome
	select {
	case r := <-responses:
		if r.err != nil {
			outcome = approval.OutcomeTimedOut
		} else {
			outcome = r.outcome
		}
	case <-timer.C:
		cancel()
		outcome = approval.OutcomeTimedOut
	case a := <-interrupt:
		cancel()
		next, reason := machine.Transition(model.InTheLoop, hitl.Input{
			Confidence: d.Confidence,
			Threat:     a,
		})
		d.Threat = a
		d.NewState = next
		d.Reason = reason
		d.Decision = decisionFor(next, reason)
		d.HumanLatencyMS = time.Since(waitStart).Milliseconds()
		return d
	}

	latency := time.Since(waitStart)
	e.metrics.ObserveApprovalWait(latency.Seconds())
	d.HumanLatencyMS = latency.Milliseconds()

	switch outcome {
	case approval.OutcomeGranted:
		d.NewState = model.InTheLoop
		d.Decision = model.HumanApprovalGranted
	case approval.OutcomeDenied:
		d.NewState = model.OverTheLoop
		d.Reason = model.ReasonHumanDenied
		d.Decision = model.HumanApprovalDenied
	default:
		next, reason := machine.Transition(model.InTheLoop, hitl.Input{
			Confidence:    d.Confidence,
			HumanTimedOut: true,
		})
		d.NewState = next
		d.Reason = reason
		d.Decision = model.HumanApprovalTimedOut
		d.HumanLatencyMS = deadline.Milliseconds()
	}
	return d
}

// hydrateLocked restores a session from its durable chain tail on
// first use, so a latched state survives a process restart. Caller
// holds the session lock.
func (e *Evaluator) hydrateLocked(sess *hitl.Session) error {
	if sess.Hydrated() {
		return nil
	}
	t, err := e.ledger.Tail(sess.ID)
	if err != nil {
		return fmt.Errorf("restore session %s: %w", sess.ID, err)
	}
	if t.Seq > 0 {
		sess.SetState(t.State)
		sess.SetSeq(t.Seq)
		sess.SetLastConfidence(t.Confidence)
	}
	sess.MarkHydrated()
	return nil
}

// append seals one record and advances the session only on success. A
// recoverable write error leaves the session unchanged so the same
// draft can be retried.
func (e *Evaluator) append(sess *hitl.Session, d ledger.Draft) (ledger.GovernanceRecord, error) {
	rec, err := e.ledger.Append(d)
	if err != nil {
		e.metrics.LedgerAppend("error")
		return ledger.GovernanceRecord{}, err
	}
	e.metrics.LedgerAppend("ok")

	sess.SetState(d.NewState)
	sess.SetSeq(rec.Seq)
	sess.SetLastConfidence(d.Confidence)
	if d.HumanLatencyMS > 0 {
		sess.SetLastHumanLatency(time.Duration(d.HumanLatencyMS) * time.Millisecond)
	}
	return rec, nil
}

// Interrupt injects a threat assessment into an in-flight approval
// wait. Returns false when the session has no evaluation parked on the
// channel.
func (e *Evaluator) Interrupt(sessionID string, a model.ThreatAssessment) bool {
	e.mu.Lock()
	ch, ok := e.interrupts[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
		return true
	default:
		return false
	}
}

func (e *Evaluator) openLateWindow(cfg *config.Config, sessionID string, d ledger.Draft) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.late[sessionID] = lateWindow{
		expires: time.Now().Add(cfg.LateResponseWindow()),
		digest:  d.ActionDigest,
		traceID: d.TraceID,
	}
}

// RecordLateResponse files a follow-up record when a human verdict
// lands after the deadline but inside the late-response window. The
// verdict is informational: the timeout transition already happened and
// the state does not move.
func (e *Evaluator) RecordLateResponse(sessionID string, granted bool) (ledger.GovernanceRecord, error) {
	e.mu.Lock()
	w, ok := e.late[sessionID]
	if ok {
		delete(e.late, sessionID)
	}
	e.mu.Unlock()
	if !ok || time.Now().After(w.expires) {
		return ledger.GovernanceRecord{}, fmt.Errorf("session %s has no open late-response window", sessionID)
	}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return ledger.GovernanceRecord{}, err
	}
	sess.Lock()
	defer sess.Unlock()

	decision := model.HumanApprovalDenied
	if granted {
		decision = model.HumanApprovalGranted
	}
	state := sess.State()
	return e.append(sess, ledger.Draft{
		SessionID:    sessionID,
		TraceID:      w.traceID,
		Timestamp:    ledger.Now(),
		ActionDigest: w.digest,
		Confidence:   sess.LastConfidence(),
		FromState:    state,
		NewState:     state,
		Reason:       model.ReasonLateResponse,
		Decision:     decision,
		LateResponse: true,
	})
}

func decisionFor(next model.HitlState, reason model.Reason) model.Decision {
	switch next {
	case model.EmergencyControl:
		return model.EmergencyTakeover
	case model.OverTheLoop:
		if reason == model.ReasonHumanTimeout {
			return model.HumanApprovalTimedOut
		}
		return model.HumanApprovalDenied
	default:
		return model.AutonomousApproved
	}
}

func allowed(d model.Decision) bool {
	return d == model.AutonomousApproved || d == model.HumanApprovalGranted || d == model.ResumeAuthorized
}
