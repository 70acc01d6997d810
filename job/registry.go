// Package job runs agent invocations end to end: it spawns the runtime
// adapter, ingests the message stream into durable storage, publishes output
// events, and classifies the terminal outcome. It also owns the in-memory
// registry of running jobs used for concurrency gating and cancellation.
package job

import (
	"context"
	"sync"
)

type (
	// Registry tracks running jobs in memory. Concurrency gating counts
	// against this registry, never against disk.
	Registry struct {
		mu   sync.RWMutex
		jobs map[string]*Tracked
	}

	// Tracked is the live handle for one running job. It is owned by the
	// registry; the executing goroutine closes done when the job reaches a
	// terminal state.
	Tracked struct {
		ID       string
		Agent    string
		Schedule string

		cancel context.CancelFunc
		done   chan struct{}

		mu         sync.Mutex
		cancelling bool
		forced     bool
		force      func() error
	}
)

// NewRegistry returns an empty job registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Tracked)}
}

func (r *Registry) add(t *Tracked) {
	r.mu.Lock()
	r.jobs[t.ID] = t
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Get returns the tracked handle for a running job, or nil.
func (r *Registry) Get(id string) *Tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// RunningCount returns the number of running jobs for the given qualified
// agent name.
func (r *Registry) RunningCount(agent string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.jobs {
		if t.Agent == agent {
			n++
		}
	}
	return n
}

// RunningIDs returns the IDs of all running jobs.
func (r *Registry) RunningIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}

// snapshot returns the current tracked handles.
func (r *Registry) snapshot() []*Tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracked, 0, len(r.jobs))
	for _, t := range r.jobs {
		out = append(out, t)
	}
	return out
}

// WaitIdle blocks until no jobs are running or ctx is done. It returns
// ctx.Err on expiry.
func (r *Registry) WaitIdle(ctx context.Context) error {
	for {
		ts := r.snapshot()
		if len(ts) == 0 {
			return nil
		}
		for _, t := range ts {
			select {
			case <-t.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Done returns a channel closed when the job reaches a terminal state.
func (t *Tracked) Done() <-chan struct{} { return t.done }

// Cancelling reports whether a cancel has been requested for the job.
func (t *Tracked) Cancelling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelling
}

func (t *Tracked) markCancelling() {
	t.mu.Lock()
	t.cancelling = true
	t.mu.Unlock()
}

func (t *Tracked) markForced() {
	t.mu.Lock()
	t.forced = true
	t.mu.Unlock()
}

func (t *Tracked) wasForced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forced
}

// forceClose invokes the registered force-termination hook, if any.
func (t *Tracked) forceClose() error {
	t.mu.Lock()
	f := t.force
	t.mu.Unlock()
	if f == nil {
		return nil
	}
	return f()
}

func (t *Tracked) setForce(f func() error) {
	t.mu.Lock()
	t.force = f
	t.mu.Unlock()
}
