// Package provider manages executor lifecycles: a warm pool of reusable
// process executors, a factory for one-shot container executors, and a
// unified front that routes tasks to the right backend by execution mode.
package provider

import (
	"context"

	"github.com/claudecluster/claudecluster/internal/worker/executor"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// Stats is a point-in-time snapshot of a provider.
type Stats struct {
	Mode           v1.ExecutionMode `json:"mode"`
	Total          int              `json:"total"`
	Idle           int              `json:"idle"`
	Busy           int              `json:"busy"`
	AvgExecutionMs int64            `json:"avgExecutionMs"`
	TotalExecuted  int64            `json:"totalExecuted"`
}

// ExecutionProvider hands out executors and takes them back.
//
// Acquire blocks only on executor creation, never on pool contention: a
// provider at capacity returns an error immediately. Release must be called
// exactly once for every successful Acquire, on every code path.
type ExecutionProvider interface {
	Mode() v1.ExecutionMode
	Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error)
	Release(ctx context.Context, exec executor.Executor, durationMs int64) error
	Stats() Stats
	Shutdown(ctx context.Context) error
}

// durationWindow tracks the most recent execution durations for the
// provider's rolling average. Not safe for concurrent use; callers hold
// their own lock.
type durationWindow struct {
	samples [100]int64
	next    int
	count   int
	total   int64
}

func (w *durationWindow) record(ms int64) {
	if w.count == len(w.samples) {
		w.total -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = ms
	w.total += ms
	w.next = (w.next + 1) % len(w.samples)
}

func (w *durationWindow) average() int64 {
	if w.count == 0 {
		return 0
	}
	return w.total / int64(w.count)
}
