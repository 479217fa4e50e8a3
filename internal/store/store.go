// Package store defines the persistence interface the mission engine and
// AI monitor use to durably record missions and decisions. Persistence
// backends themselves are out of scope for this server (see spec.md §1
// Non-goals); MemoryStore is the one reference adapter it ships with.
package store

import (
	"context"
	"sync"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// MissionSnapshot is the persisted form of a mission's current state,
// distinct from the live in-memory mission.State so a store implementation
// never needs to import the mission package.
type MissionSnapshot struct {
	MissionID string
	Spec      map[string]any
	State     map[string]any
}

// Store is the persistence boundary. Every method accepts a context and
// returns an error; failures are logged by callers but never block
// mission execution (see spec.md §6.4).
type Store interface {
	SaveMission(ctx context.Context, missionID string, spec map[string]any) error
	LoadMission(ctx context.Context, missionID string) (MissionSnapshot, error)
	ListMissions(ctx context.Context) ([]string, error)
	AppendDecision(ctx context.Context, decision sartypes.DecisionRecord) error
	SaveMissionStateSnapshot(ctx context.Context, missionID string, state map[string]any) error
}

// MemoryStore is an in-process, map-backed Store used by tests and the
// simulated demo binary.
type MemoryStore struct {
	mu        sync.RWMutex
	missions  map[string]MissionSnapshot
	decisions []sartypes.DecisionRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{missions: make(map[string]MissionSnapshot)}
}

func (s *MemoryStore) SaveMission(_ context.Context, missionID string, spec map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.missions[missionID]
	snap.MissionID = missionID
	snap.Spec = spec
	s.missions[missionID] = snap
	return nil
}

func (s *MemoryStore) LoadMission(_ context.Context, missionID string) (MissionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.missions[missionID]
	if !ok {
		return MissionSnapshot{}, errMissionNotFound(missionID)
	}
	return snap, nil
}

func (s *MemoryStore) ListMissions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.missions))
	for id := range s.missions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) AppendDecision(_ context.Context, decision sartypes.DecisionRecord) error {
	// Only the most recent maxDecisions records are retained.
	const maxDecisions = 10000
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	if len(s.decisions) > maxDecisions {
		s.decisions = s.decisions[len(s.decisions)-maxDecisions:]
	}
	return nil
}

func (s *MemoryStore) SaveMissionStateSnapshot(_ context.Context, missionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.missions[missionID]
	snap.MissionID = missionID
	snap.State = state
	s.missions[missionID] = snap
	return nil
}

// Decisions returns every retained decision, newest last. Test-only
// accessor; not part of the Store interface.
func (s *MemoryStore) Decisions() []sartypes.DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sartypes.DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}

type missionNotFoundError string

func (e missionNotFoundError) Error() string { return "mission not found: " + string(e) }

func errMissionNotFound(id string) error { return missionNotFoundError(id) }
