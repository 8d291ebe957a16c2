package wipe

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks operations by id. Finished operations are evicted once
// they are older than the retention period.
type Registry struct {
	mu        sync.Mutex
	ops       map[string]*Operation
	retention time.Duration
	now       func() time.Time
}

func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		ops:       make(map[string]*Operation),
		retention: retention,
		now:       time.Now,
	}
}

func (r *Registry) add(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	r.ops[op.ID] = op
}

// Get returns a live or recently finished operation.
func (r *Registry) Get(id string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	op, ok := r.ops[id]
	return op, ok
}

// List returns snapshots of all tracked operations, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	r.sweepLocked()
	ops := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep evicts expired finished operations and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

func (r *Registry) sweepLocked() int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.retention)
	n := 0
	for id, op := range r.ops {
		op.mu.Lock()
		expired := !op.finishedAt.IsZero() && op.finishedAt.Before(cutoff)
		op.mu.Unlock()
		if expired {
			delete(r.ops, id)
			n++
		}
	}
	return n
}
