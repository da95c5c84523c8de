package server

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loopgate/loopgate/internal/approval"
	"github.com/loopgate/loopgate/internal/export"
	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/quorum"
)

// --- Input/Output types ---

// EvaluateInput defines parameters for the loopgate_evaluate tool.
type EvaluateInput struct {
	SessionID string            `json:"session_id" jsonschema:"governance session identifier"`
	Kind      string            `json:"kind" jsonschema:"action kind, e.g. adjust_course"`
	Target    string            `json:"target,omitempty" jsonschema:"resource the action touches"`
	Params    map[string]string `json:"params,omitempty" jsonschema:"opaque action parameters"`
	Origin    string            `json:"origin,omitempty" jsonschema:"where the action originates"`
	Phase     string            `json:"phase,omitempty" jsonschema:"mission phase"`
	Signals   []float64         `json:"signals,omitempty" jsonschema:"raw signal values for the scorer"`
}

// EvaluateOutput contains the governance verdict and its sealed record.
type EvaluateOutput struct {
	Allowed    bool    `json:"allowed"`
	Decision   string  `json:"decision"`
	State      string  `json:"state"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Threat     string  `json:"threat,omitempty"`
	Seq        uint64  `json:"seq"`
	Seal       string  `json:"seal"`
	TraceID    string  `json:"trace_id"`
}

// VerdictInput names the session whose parked approval to resolve.
type VerdictInput struct {
	SessionID string `json:"session_id" jsonschema:"session waiting on approval"`
}

// VerdictOutput reports how the verdict landed.
type VerdictOutput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // resolved | late_response
	Seq       uint64 `json:"seq,omitempty"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists sessions waiting on a human.
type PendingOutput struct {
	Sessions []string `json:"sessions"`
}

// StatusInput is empty.
type StatusInput struct{}

// SessionStatus describes one session's governance state.
type SessionStatus struct {
	SessionID      string  `json:"session_id"`
	State          string  `json:"state"`
	Seq            uint64  `json:"seq"`
	LastConfidence float64 `json:"last_confidence"`
	Frozen         bool    `json:"frozen,omitempty"`
}

// StatusOutput reports all known sessions.
type StatusOutput struct {
	Sessions   []SessionStatus `json:"sessions"`
	ConfigHash string          `json:"config_hash"`
}

// EndorsementInput is one authority's signature in a reset ceremony.
type EndorsementInput struct {
	Authority string `json:"authority" jsonschema:"registered authority name"`
	Role      string `json:"role" jsonschema:"quorum role the authority holds"`
	Signature string `json:"signature" jsonschema:"base64 ed25519 signature over the reset subject"`
}

// ResumeInput defines parameters for the loopgate_resume tool. Either a
// full endorsement set or a previously issued token resumes a session.
type ResumeInput struct {
	SessionID    string             `json:"session_id,omitempty" jsonschema:"latched session to reset"`
	Reason       string             `json:"reason,omitempty" jsonschema:"why the session is safe to resume"`
	Endorsements []EndorsementInput `json:"endorsements,omitempty" jsonschema:"quorum endorsements"`
	TokenID      string             `json:"token_id,omitempty" jsonschema:"previously issued reset token"`
}

// ResumeOutput confirms the reset.
type ResumeOutput struct {
	SessionID string `json:"session_id"`
	TokenID   string `json:"token_id"`
	State     string `json:"state"`
	Seq       uint64 `json:"seq"`
}

// VerifyInput names the session chain to verify.
type VerifyInput struct {
	SessionID string `json:"session_id"`
}

// VerifyOutput reports the chain verification result.
type VerifyOutput struct {
	SessionID string `json:"session_id"`
	Valid     bool   `json:"valid"`
	Records   int    `json:"records"`
	Error     string `json:"error,omitempty"`
	ErrorSeq  uint64 `json:"error_seq,omitempty"`
}

// ExportInput defines parameters for the loopgate_export tool.
type ExportInput struct {
	SessionID string `json:"session_id"`
	FromSeq   uint64 `json:"from_seq,omitempty" jsonschema:"first seq to include, 0 for chain start"`
	ToSeq     uint64 `json:"to_seq,omitempty" jsonschema:"last seq to include, 0 for chain end"`
	Timeline  bool   `json:"timeline,omitempty" jsonschema:"render a text timeline instead of records"`
}

// ExportOutput carries the export.
type ExportOutput struct {
	Export   *export.SessionExport `json:"export,omitempty"`
	Timeline string                `json:"timeline,omitempty"`
}

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	action := model.ActionPayload{
		Kind:       input.Kind,
		Target:     input.Target,
		Parameters: input.Params,
	}
	if action.Kind == "" {
		return nil, EvaluateOutput{}, fmt.Errorf("kind is required")
	}

	res, err := s.eval.Evaluate(ctx, input.SessionID, action, model.Context{
		Origin:  input.Origin,
		Phase:   input.Phase,
		Signals: input.Signals,
	})
	if err != nil {
		return nil, EvaluateOutput{}, err
	}

	out := EvaluateOutput{
		Allowed:    res.Allowed,
		Decision:   string(res.Record.Decision),
		State:      string(res.Record.NewState),
		Reason:     string(res.Record.Reason),
		Confidence: res.Record.Confidence,
		Seq:        res.Record.Seq,
		Seal:       res.Record.Seal,
		TraceID:    res.Record.TraceID,
	}
	if res.Record.Threat.Detected {
		out.Threat = string(res.Record.Threat.Class)
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input VerdictInput) (*mcpsdk.CallToolResult, VerdictOutput, error) {
	return s.resolveVerdict(input, true)
}

func (s *Server) handleDeny(ctx context.Context, req *mcpsdk.CallToolRequest, input VerdictInput) (*mcpsdk.CallToolResult, VerdictOutput, error) {
	return s.resolveVerdict(input, false)
}

// resolveVerdict delivers an operator verdict to the parked evaluation,
// or files a late-response record when the wait already timed out.
func (s *Server) resolveVerdict(input VerdictInput, granted bool) (*mcpsdk.CallToolResult, VerdictOutput, error) {
	if s.resolvePending(input.SessionID, granted) {
		return nil, VerdictOutput{SessionID: input.SessionID, Status: "resolved"}, nil
	}

	rec, err := s.eval.RecordLateResponse(input.SessionID, granted)
	if err != nil {
		return nil, VerdictOutput{}, fmt.Errorf("no pending approval for session %s: %w", input.SessionID, err)
	}
	return nil, VerdictOutput{
		SessionID: input.SessionID,
		Status:    "late_response",
		Seq:       rec.Seq,
	}, nil
}

// resolvePending answers a parked approval through whichever channel
// the server runs on: the in-process gate, or the file store when
// approvals are resolved by a separate operator process.
func (s *Server) resolvePending(sessionID string, granted bool) bool {
	if s.store == nil {
		return s.gate.Resolve(sessionID, granted)
	}
	reqs, err := s.store.List()
	if err != nil {
		return false
	}
	for _, r := range reqs {
		if r.SessionID != sessionID || r.Status != approval.StatusPending {
			continue
		}
		if granted {
			return s.store.Approve(r.Key) == nil
		}
		return s.store.Deny(r.Key) == nil
	}
	return false
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	if s.store == nil {
		return nil, PendingOutput{Sessions: s.gate.Pending()}, nil
	}
	reqs, err := s.store.List()
	if err != nil {
		return nil, PendingOutput{}, err
	}
	var sessions []string
	for _, r := range reqs {
		if r.Status == approval.StatusPending {
			sessions = append(sessions, r.SessionID)
		}
	}
	return nil, PendingOutput{Sessions: sessions}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	out := StatusOutput{ConfigHash: s.ConfigHash()}
	for _, id := range s.eval.Sessions().IDs() {
		sess, ok := s.eval.Sessions().Lookup(id)
		if !ok {
			continue
		}
		sess.Lock()
		out.Sessions = append(out.Sessions, SessionStatus{
			SessionID:      id,
			State:          string(sess.State()),
			Seq:            sess.Seq(),
			LastConfidence: sess.LastConfidence(),
			Frozen:         sess.Frozen(),
		})
		sess.Unlock()
	}
	return nil, out, nil
}

func (s *Server) handleResume(ctx context.Context, req *mcpsdk.CallToolRequest, input ResumeInput) (*mcpsdk.CallToolResult, ResumeOutput, error) {
	tokenID := input.TokenID
	if tokenID == "" {
		if len(input.Endorsements) == 0 {
			return nil, ResumeOutput{}, fmt.Errorf("either token_id or endorsements are required")
		}
		endorsements := make([]quorum.Endorsement, 0, len(input.Endorsements))
		for _, e := range input.Endorsements {
			endorsements = append(endorsements, quorum.Endorsement{
				Authority: e.Authority,
				Role:      e.Role,
				Signature: e.Signature,
			})
		}
		tok, err := s.eval.AuthorizeReset(input.SessionID, input.Reason, endorsements)
		if err != nil {
			return nil, ResumeOutput{}, err
		}
		tokenID = tok.ID
	}

	res, err := s.eval.Resume(tokenID)
	if err != nil {
		return nil, ResumeOutput{}, err
	}
	return nil, ResumeOutput{
		SessionID: res.Record.SessionID,
		TokenID:   tokenID,
		State:     string(res.Record.NewState),
		Seq:       res.Record.Seq,
	}, nil
}

func (s *Server) handleVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	vr := s.eval.VerifySession(input.SessionID)
	out := VerifyOutput{
		SessionID: input.SessionID,
		Valid:     vr.Valid,
		Records:   vr.Records,
		ErrorSeq:  vr.ErrorSeq,
	}
	if vr.Error != "" {
		out.Error = vr.Error
	}
	return nil, out, nil
}

func (s *Server) handleExport(ctx context.Context, req *mcpsdk.CallToolRequest, input ExportInput) (*mcpsdk.CallToolResult, ExportOutput, error) {
	ex, err := export.Build(s.led, input.SessionID, export.Filter{
		FromSeq: input.FromSeq,
		ToSeq:   input.ToSeq,
	})
	if err != nil {
		return nil, ExportOutput{}, err
	}
	if input.Timeline {
		return nil, ExportOutput{Timeline: export.FormatTimeline(ex)}, nil
	}
	return nil, ExportOutput{Export: ex}, nil
}
