package sync

import (
	stdsync "sync"
	"time"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

// maxRecordedFailures caps the per-pass failure list so a pass over a huge
// backlog cannot grow the summary without bound. Failed stays accurate.
const maxRecordedFailures = 1000

// Failure describes one operation that ended a pass in the failed state.
type Failure struct {
	ID         string      `json:"id"`
	EntityKind string      `json:"entity_kind"`
	Kind       store.Kind  `json:"kind"`
	Class      retry.Class `json:"class"`
	Message    string      `json:"message"`
}

// Summary reports the outcome of one drain pass. Deferred counts operations
// still pending when the pass ended (waiting on a retry delay, blocked
// behind an earlier operation, or held back by the circuit breaker).
type Summary struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Deferred  int           `json:"deferred"`
	Failures  []Failure     `json:"failures,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// collector accumulates a Summary from concurrent lane workers.
type collector struct {
	mu      stdsync.Mutex
	summary Summary
	done    int
}

func (c *collector) succeeded() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.Succeeded++
	c.done++

	return c.done
}

func (c *collector) failed(op *store.Operation, ce *retry.ClassifiedError) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.Failed++
	c.done++

	if len(c.summary.Failures) < maxRecordedFailures {
		c.summary.Failures = append(c.summary.Failures, Failure{
			ID:         op.ID,
			EntityKind: op.EntityKind,
			Kind:       op.Kind,
			Class:      ce.Class,
			Message:    ce.Error(),
		})
	}

	return c.done
}

func (c *collector) snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.summary
	s.Failures = append([]Failure(nil), c.summary.Failures...)

	return s
}
