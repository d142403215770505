package sync

import (
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// lane is the ordered backlog for one entity. Operations in a lane are
// applied strictly one at a time; distinct lanes run concurrently.
type lane struct {
	key string
	ops []store.Operation
}

// laneKey groups operations by target entity. Keys are NFC-normalized so a
// decomposed and a precomposed spelling of the same id share a lane.
// Operations without an entity id (creates of server-keyed entities) share
// one lane per entity kind, so they reach the backend in creation order.
func laneKey(op *store.Operation) string {
	kind := norm.NFC.String(op.EntityKind)

	if op.EntityID == "" {
		return kind
	}

	return kind + "/" + norm.NFC.String(op.EntityID)
}

// buildLanes partitions ops (already in created_at order) into lanes. Within
// a lane high-priority operations move ahead of normal ones; the relative
// order inside each priority class is kept. Lanes are returned in order of
// their oldest operation.
func buildLanes(ops []store.Operation) []*lane {
	index := make(map[string]*lane)

	var lanes []*lane

	for i := range ops {
		key := laneKey(&ops[i])

		l, ok := index[key]
		if !ok {
			l = &lane{key: key}
			index[key] = l
			lanes = append(lanes, l)
		}

		l.ops = append(l.ops, ops[i])
	}

	for _, l := range lanes {
		slices.SortStableFunc(l.ops, func(a, b store.Operation) int {
			switch {
			case a.HighPriority == b.HighPriority:
				return 0
			case a.HighPriority:
				return -1
			default:
				return 1
			}
		})
	}

	return lanes
}
