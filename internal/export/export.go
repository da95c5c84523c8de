// Package export renders a session's governance chain for operators
// and post-incident review, as indented JSON or a text timeline.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loopgate/loopgate/internal/ledger"
	"github.com/loopgate/loopgate/internal/model"
)

// Filter bounds a session export.
type Filter struct {
	FromSeq uint64 // 0 = start of chain
	ToSeq   uint64 // 0 = end of chain
}

// Summary holds decision counts and metadata for an exported session.
type Summary struct {
	Total             int     `json:"total"`
	AutonomousCount   int     `json:"autonomous_count"`
	GrantedCount      int     `json:"granted_count"`
	DeniedCount       int     `json:"denied_count"`
	TimedOutCount     int     `json:"timed_out_count"`
	EmergencyCount    int     `json:"emergency_count"`
	ResetCount        int     `json:"reset_count"`
	Transitions       int     `json:"transitions"`
	FirstTimestamp    string  `json:"first_timestamp"`
	LastTimestamp     string  `json:"last_timestamp"`
	FinalState        string  `json:"final_state"`
	MinConfidence     float64 `json:"min_confidence"`
	MaxConfidence     float64 `json:"max_confidence"`
	MaxThreatClass    string  `json:"max_threat_class,omitempty"`
	MaxHumanLatencyMS int64   `json:"max_human_latency_ms"`
}

// SessionExport holds the records and summary for one session.
type SessionExport struct {
	SessionID string                    `json:"session_id"`
	Records   []ledger.GovernanceRecord `json:"records"`
	Summary   Summary                   `json:"summary"`
}

// Build reads a session's chain through the filter and summarizes it.
func Build(led *ledger.Ledger, sessionID string, filter Filter) (*SessionExport, error) {
	cur, err := led.Read(sessionID, filter.FromSeq, filter.ToSeq)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	defer cur.Close()

	ex := &SessionExport{SessionID: sessionID}
	maxPriority := 0
	for {
		rec, ok := cur.Next()
		if !ok {
			break
		}
		ex.Records = append(ex.Records, rec)

		s := &ex.Summary
		s.Total++
		switch rec.Decision {
		case model.AutonomousApproved:
			s.AutonomousCount++
		case model.HumanApprovalGranted:
			s.GrantedCount++
		case model.HumanApprovalDenied:
			s.DeniedCount++
		case model.HumanApprovalTimedOut:
			s.TimedOutCount++
		case model.EmergencyTakeover:
			s.EmergencyCount++
		case model.ResumeAuthorized:
			s.ResetCount++
		}
		if rec.FromState != rec.NewState {
			s.Transitions++
		}
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = rec.Timestamp
			s.MinConfidence = rec.Confidence
			s.MaxConfidence = rec.Confidence
		}
		s.LastTimestamp = rec.Timestamp
		s.FinalState = string(rec.NewState)
		if rec.Confidence < s.MinConfidence {
			s.MinConfidence = rec.Confidence
		}
		if rec.Confidence > s.MaxConfidence {
			s.MaxConfidence = rec.Confidence
		}
		if rec.Threat.Detected && model.ClassPriority[rec.Threat.Class] > maxPriority {
			maxPriority = model.ClassPriority[rec.Threat.Class]
			s.MaxThreatClass = string(rec.Threat.Class)
		}
		if rec.HumanLatencyMS > s.MaxHumanLatencyMS {
			s.MaxHumanLatencyMS = rec.HumanLatencyMS
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	return ex, nil
}

// WriteJSON writes the export as indented JSON.
func WriteJSON(w io.Writer, ex *SessionExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ex)
}

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders the export as a human-readable text timeline.
func FormatTimeline(ex *SessionExport) string {
	if len(ex.Records) == 0 {
		return fmt.Sprintf("Session: %s | No records found.\n", ex.SessionID)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Session: %s | %s–%s UTC\n",
		ex.SessionID,
		formatDateTime(ex.Summary.FirstTimestamp),
		formatTimeOnly(ex.Summary.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, rec := range ex.Records {
		tag := ""
		switch {
		case rec.LateResponse:
			tag = "  [late-response]"
		case rec.Threat.Detected:
			tag = fmt.Sprintf("  [%s %.2f]", rec.Threat.Class, rec.Threat.Score)
		}
		b.WriteString(fmt.Sprintf("%-9s #%-4d %.3f  %-17s %-25s %-24s%s\n",
			formatTimeOnly(rec.Timestamp), rec.Seq, rec.Confidence,
			rec.NewState, rec.Decision, rec.Reason, tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(ex.Summary))
	return b.String()
}

func formatSummary(s Summary) string {
	var parts []string
	if s.AutonomousCount > 0 {
		parts = append(parts, fmt.Sprintf("%d autonomous", s.AutonomousCount))
	}
	if s.GrantedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d granted", s.GrantedCount))
	}
	if s.DeniedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", s.DeniedCount))
	}
	if s.TimedOutCount > 0 {
		parts = append(parts, fmt.Sprintf("%d timed-out", s.TimedOutCount))
	}
	if s.EmergencyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d emergency", s.EmergencyCount))
	}
	if s.ResetCount > 0 {
		parts = append(parts, fmt.Sprintf("%d reset", s.ResetCount))
	}

	line := fmt.Sprintf("Summary: %s | Final state: %s | Confidence %.3f–%.3f",
		strings.Join(parts, ", "), s.FinalState, s.MinConfidence, s.MaxConfidence)
	if s.MaxThreatClass != "" {
		line += " | Max threat: " + s.MaxThreatClass
	}
	return line + "\n"
}

func formatDateTime(ts string) string {
	t, err := time.Parse(ledger.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(ledger.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}
