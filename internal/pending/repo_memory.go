package pending

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepo struct {
	mu  sync.Mutex
	ops map[string]Operation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{ops: map[string]Operation{}}
}

func (r *MemoryRepo) Create(_ context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.ExternalOperationID]; ok {
		return ErrExists
	}
	r.ops[op.ExternalOperationID] = op
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return op, nil
}

func (r *MemoryRepo) MarkCompleted(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return false, ErrNotFound
	}
	if op.Status == StatusCompleted {
		return false, nil
	}
	op.Status = StatusCompleted
	op.CompletedAt = &at
	r.ops[id] = op
	return true, nil
}

func (r *MemoryRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Operation, 0)
	for _, op := range r.ops {
		if op.Status == StatusPending && op.CreatedAt.Before(cutoff) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) DeletePending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || op.Status != StatusPending {
		return false, nil
	}
	delete(r.ops, id)
	return true, nil
}
