package ledger

import (
	"time"

	"github.com/loopgate/loopgate/internal/model"
)

// TimestampFormat is the layout used in governance record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current time formatted for records.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// Draft is the unsealed input to Append. It carries everything an
// evaluation decided; the ledger assigns the sequence number, seal, and
// signature. A failed append leaves the draft reusable: retrying it
// yields exactly one stored record with the correct next sequence
// number.
type Draft struct {
	SessionID      string                 `json:"session_id"`
	TraceID        string                 `json:"trace_id"`
	Timestamp      string                 `json:"ts"`
	ActionDigest   string                 `json:"action_digest"`
	Vector         model.GovernanceVector `json:"vector"`
	Confidence     float64                `json:"confidence"`
	Threat         model.ThreatAssessment `json:"threat"`
	FromState      model.HitlState        `json:"from_state"`
	NewState       model.HitlState        `json:"new_state"`
	Reason         model.Reason           `json:"reason"`
	Decision       model.Decision         `json:"decision"`
	HumanLatencyMS int64                  `json:"human_latency_ms"`
	LateResponse   bool                   `json:"late_response"`
}

// GovernanceRecord is one sealed line of a session's chain. All fields
// are structs or scalars (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible sealing.
type GovernanceRecord struct {
	Draft
	Seq       uint64 `json:"seq"`
	PrevSeal  string `json:"prev_seal"`
	Seal      string `json:"seal"`
	Signature string `json:"signature,omitempty"`
	SigAlg    string `json:"sig_alg,omitempty"`
}
