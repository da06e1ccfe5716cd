package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"missiongov/internal/types"
)

type missionKey struct {
	tenantID  string
	missionID string
}

// MemoryStore is an in-process Store. Records are cloned on the way in and
// on the way out, so callers never share buffers with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[missionKey][]types.CheckpointRecord
	ids     map[string]missionKey
	tenants map[string]map[string]struct{} // mission id -> tenants holding it
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[missionKey][]types.CheckpointRecord),
		ids:     make(map[string]missionKey),
		tenants: make(map[string]map[string]struct{}),
	}
}

// Save appends record.
func (s *MemoryStore) Save(ctx context.Context, record types.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	key := missionKey{tenantID: record.TenantID, missionID: record.MissionID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[record.CheckpointID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, record.CheckpointID)
	}
	if recs := s.records[key]; len(recs) > 0 && recs[len(recs)-1].Status.IsTerminal() {
		return fmt.Errorf("%w: mission %s is %s", ErrMissionTerminal, record.MissionID, recs[len(recs)-1].Status)
	}

	s.records[key] = append(s.records[key], record.Clone())
	s.ids[record.CheckpointID] = key
	if s.tenants[record.MissionID] == nil {
		s.tenants[record.MissionID] = make(map[string]struct{})
	}
	s.tenants[record.MissionID][record.TenantID] = struct{}{}
	return nil
}

// Latest returns the most recently saved record for the tenant/mission.
func (s *MemoryStore) Latest(ctx context.Context, missionID, tenantID string) (types.CheckpointRecord, error) {
	if err := validateKey(missionID, tenantID); err != nil {
		return types.CheckpointRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.lookupLocked(missionID, tenantID)
	if err != nil {
		return types.CheckpointRecord{}, err
	}
	return recs[len(recs)-1].Clone(), nil
}

// List returns every record for the tenant/mission in save order.
func (s *MemoryStore) List(ctx context.Context, missionID, tenantID string) ([]types.CheckpointRecord, error) {
	if err := validateKey(missionID, tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.lookupLocked(missionID, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]types.CheckpointRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) lookupLocked(missionID, tenantID string) ([]types.CheckpointRecord, error) {
	recs := s.records[missionKey{tenantID: tenantID, missionID: missionID}]
	if len(recs) > 0 {
		return recs, nil
	}
	if len(s.tenants[missionID]) > 0 {
		return nil, fmt.Errorf("%w: mission %s", ErrTenantMismatch, missionID)
	}
	return nil, fmt.Errorf("%w: mission %s", ErrNotFound, missionID)
}

// Clear removes every record for the tenant/mission.
func (s *MemoryStore) Clear(ctx context.Context, missionID, tenantID string) error {
	if err := validateKey(missionID, tenantID); err != nil {
		return err
	}
	key := missionKey{tenantID: tenantID, missionID: missionID}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[key] {
		delete(s.ids, r.CheckpointID)
	}
	delete(s.records, key)
	if tenants := s.tenants[missionID]; tenants != nil {
		delete(tenants, tenantID)
		if len(tenants) == 0 {
			delete(s.tenants, missionID)
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
