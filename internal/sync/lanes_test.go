package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/store"
)

func ids(l *lane) []string {
	out := make([]string, 0, len(l.ops))
	for i := range l.ops {
		out = append(out, l.ops[i].ID)
	}

	return out
}

func TestBuildLanes_GroupsByEntity(t *testing.T) {
	t.Parallel()

	ops := []store.Operation{
		{ID: "1", EntityKind: "task", EntityID: "a"},
		{ID: "2", EntityKind: "task", EntityID: "b"},
		{ID: "3", EntityKind: "task", EntityID: "a"},
		{ID: "4", EntityKind: "photo", EntityID: "a"},
	}

	lanes := buildLanes(ops)
	require.Len(t, lanes, 3)

	assert.Equal(t, "task/a", lanes[0].key)
	assert.Equal(t, []string{"1", "3"}, ids(lanes[0]))
	assert.Equal(t, "task/b", lanes[1].key)
	assert.Equal(t, "photo/a", lanes[2].key)
}

func TestBuildLanes_HighPriorityStable(t *testing.T) {
	t.Parallel()

	ops := []store.Operation{
		{ID: "1", EntityKind: "task", EntityID: "a"},
		{ID: "2", EntityKind: "task", EntityID: "a", HighPriority: true},
		{ID: "3", EntityKind: "task", EntityID: "a"},
		{ID: "4", EntityKind: "task", EntityID: "a", HighPriority: true},
	}

	lanes := buildLanes(ops)
	require.Len(t, lanes, 1)
	assert.Equal(t, []string{"2", "4", "1", "3"}, ids(lanes[0]))
}

func TestBuildLanes_UnkeyedCreatesShareKindLane(t *testing.T) {
	t.Parallel()

	ops := []store.Operation{
		{ID: "1", EntityKind: "daily_log", Kind: store.KindCreate},
		{ID: "2", EntityKind: "daily_log", Kind: store.KindCreate},
		{ID: "3", EntityKind: "photo", Kind: store.KindUpload},
		{ID: "4", EntityKind: "daily_log", Kind: store.KindCreate},
	}

	lanes := buildLanes(ops)
	require.Len(t, lanes, 2)
	assert.Equal(t, "daily_log", lanes[0].key)
	assert.Equal(t, []string{"1", "2", "4"}, ids(lanes[0]))
	assert.Equal(t, []string{"3"}, ids(lanes[1]))
}

func TestLaneKey_NormalizesUnicode(t *testing.T) {
	t.Parallel()

	composed := &store.Operation{EntityKind: "site", EntityID: "caf\u00e9"}
	decomposed := &store.Operation{EntityKind: "site", EntityID: "cafe\u0301"}

	assert.Equal(t, laneKey(composed), laneKey(decomposed))
}
