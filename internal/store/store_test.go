package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

func TestSaveAndLoadMission(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveMission(ctx, "m1", map[string]any{"name": "search-grid"}))

	snap, err := s.LoadMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "search-grid", snap.Spec["name"])
}

func TestLoadMissionNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LoadMission(context.Background(), "missing")
	require.Error(t, err)
}

func TestListMissions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveMission(ctx, "m1", nil))
	require.NoError(t, s.SaveMission(ctx, "m2", nil))

	ids, err := s.ListMissions(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestAppendDecision(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AppendDecision(context.Background(), sartypes.DecisionRecord{DecisionID: "d1"}))
	assert.Len(t, s.Decisions(), 1)
}

func TestSaveMissionStateSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveMissionStateSnapshot(ctx, "m1", map[string]any{"phase": "search"}))

	snap, err := s.LoadMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "search", snap.State["phase"])
}
