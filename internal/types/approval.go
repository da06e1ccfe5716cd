package types

import "time"

// ApprovalKind names what a reviewer is asked to approve.
type ApprovalKind string

const (
	ApprovalPlan          ApprovalKind = "plan_approval"
	ApprovalToolExecution ApprovalKind = "tool_execution_approval"
	ApprovalArtifact      ApprovalKind = "artifact_approval"
	ApprovalIrreversible  ApprovalKind = "irreversible_action_approval"
)

// Decision is a reviewer's binary verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalRequest is a pending (or resolved) human checkpoint. CheckpointID
// doubles as the request id.
type ApprovalRequest struct {
	MissionID    string       `json:"mission_id"`
	TenantID     string       `json:"tenant_id"`
	CheckpointID string       `json:"checkpoint_id"`
	Kind         ApprovalKind `json:"kind"`
	Summary      string       `json:"summary,omitempty"`
	Step         int          `json:"step"`
	CreatedAt    time.Time    `json:"created_at"`
	Resolved     bool         `json:"resolved"`
	Decision     Decision     `json:"decision,omitempty"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
