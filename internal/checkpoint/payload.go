package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"missiongov/internal/types"
)

const (
	// PayloadKind tags mission checkpoint payloads.
	PayloadKind = "mission_checkpoint"
	// PayloadVersion is the current payload layout version.
	PayloadVersion = 1
)

// Resume is what a resumed mission needs beyond its state to continue at the
// next iteration without repeating the last completed step.
type Resume struct {
	PendingApproval *types.ApprovalRequest `json:"pending_approval,omitempty"`
	LastOutput      string                 `json:"last_output,omitempty"`
	GoalAchieved    bool                   `json:"goal_achieved,omitempty"`
	Next            types.StepContext      `json:"next"`
}

// Payload is the self-describing envelope stored in CheckpointRecord.Payload.
type Payload struct {
	Kind    string             `json:"kind"`
	Version int                `json:"version"`
	State   types.MissionState `json:"state"`
	Resume  Resume             `json:"resume"`
}

// EncodePayload serializes state and resume data.
func EncodePayload(state types.MissionState, resume Resume) ([]byte, error) {
	data, err := json.Marshal(Payload{
		Kind:    PayloadKind,
		Version: PayloadVersion,
		State:   state,
		Resume:  resume,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a payload written by EncodePayload. Unknown kinds and
// versions are rejected.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: failed to decode checkpoint payload: %v", types.ErrInvalidInput, err)
	}
	if p.Kind != PayloadKind {
		return Payload{}, fmt.Errorf("%w: unknown checkpoint payload kind %q", types.ErrInvalidInput, p.Kind)
	}
	if p.Version != PayloadVersion {
		return Payload{}, fmt.Errorf("%w: unsupported checkpoint payload version %d", types.ErrInvalidInput, p.Version)
	}
	if err := p.State.Validate(); err != nil {
		return Payload{}, fmt.Errorf("checkpoint payload state: %w", err)
	}
	return p, nil
}

// NewRecord builds a record for state. An empty id gets a fresh one.
func NewRecord(id string, state types.MissionState, resume Resume, now time.Time) (types.CheckpointRecord, error) {
	if id == "" {
		id = NewID()
	}
	payload, err := EncodePayload(state, resume)
	if err != nil {
		return types.CheckpointRecord{}, err
	}
	return types.CheckpointRecord{
		MissionID:    state.MissionID,
		TenantID:     state.TenantID,
		CheckpointID: id,
		Status:       state.Status,
		Payload:      payload,
		CreatedAt:    now,
	}, nil
}
