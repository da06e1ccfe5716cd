// Package checkpoint persists immutable, tenant-scoped mission snapshots so a
// mission can be resumed after a crash, a stop or an approval wait.
//
// Records are append-only. Latest returns the most recently completed save for
// a tenant/mission pair; a partially written save is never observable.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"missiongov/internal/types"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the tenant/mission pair has no checkpoints.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrTenantMismatch means the mission id exists, but only under another tenant.
	ErrTenantMismatch = errors.New("mission belongs to another tenant")
	// ErrDuplicateCheckpoint means the checkpoint id was already saved.
	ErrDuplicateCheckpoint = errors.New("duplicate checkpoint id")
	// ErrMissionTerminal means the mission's latest record is terminal; nothing
	// may follow it.
	ErrMissionTerminal = errors.New("mission already reached a terminal status")
)

// Store is a tenant-isolated, append-only checkpoint store. Implementations
// are safe for concurrent use by any number of missions.
type Store interface {
	// Save appends record atomically.
	Save(ctx context.Context, record types.CheckpointRecord) error
	// Latest returns the most recently saved record for the tenant/mission.
	Latest(ctx context.Context, missionID, tenantID string) (types.CheckpointRecord, error)
	// List returns every record for the tenant/mission in save order.
	List(ctx context.Context, missionID, tenantID string) ([]types.CheckpointRecord, error)
	// Clear removes every record for the tenant/mission. Clearing an unknown
	// mission is not an error.
	Clear(ctx context.Context, missionID, tenantID string) error
	// Close releases resources.
	Close() error
}

// NewID returns a fresh time-ordered checkpoint id (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validateRecord(r types.CheckpointRecord) error {
	switch {
	case r.MissionID == "":
		return fmt.Errorf("%w: checkpoint mission id is required", types.ErrInvalidInput)
	case r.TenantID == "":
		return fmt.Errorf("%w: checkpoint tenant id is required", types.ErrInvalidInput)
	case r.CheckpointID == "":
		return fmt.Errorf("%w: checkpoint id is required", types.ErrInvalidInput)
	case !r.Status.Valid():
		return fmt.Errorf("%w: checkpoint status %q", types.ErrInvalidInput, r.Status)
	}
	return nil
}

func validateKey(missionID, tenantID string) error {
	if missionID == "" || tenantID == "" {
		return fmt.Errorf("%w: mission id and tenant id are required", types.ErrInvalidInput)
	}
	return nil
}
