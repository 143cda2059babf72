package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is a Repository kept in process memory.
type MemoryRepo struct {
	mu    sync.Mutex
	byID  map[string]CallRecord
	byExt map[string]string
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]CallRecord{}, byExt: map[string]string{}, now: time.Now}
}

func (r *MemoryRepo) Create(_ context.Context, c CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return ErrCallExists
	}
	if c.ExternalCallID != "" {
		if _, ok := r.byExt[c.ExternalCallID]; ok {
			return ErrCallExists
		}
		r.byExt[c.ExternalCallID] = c.ID
	}
	c.Version = 1
	r.byID[c.ID] = c
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByExternalID(_ context.Context, externalCallID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExt[externalCallID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepo) Update(_ context.Context, c CallRecord) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[c.ID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	if cur.Version != c.Version {
		return CallRecord{}, errVersionConflict
	}
	if c.ExternalCallID != cur.ExternalCallID {
		if owner, ok := r.byExt[c.ExternalCallID]; ok && owner != c.ID {
			return CallRecord{}, ErrCallExists
		}
		if c.ExternalCallID != "" {
			r.byExt[c.ExternalCallID] = c.ID
		}
	}
	c.Version++
	c.UpdatedAt = r.now().UTC()
	r.byID[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) ListUnbilled(_ context.Context, limit int) ([]CallRecord, error) {
	return r.list(limit, func(c CallRecord) bool { return c.NeedsBilling() }), nil
}

func (r *MemoryRepo) ListUnsettledBefore(_ context.Context, cutoff time.Time, limit int) ([]CallRecord, error) {
	return r.list(limit, func(c CallRecord) bool { return !c.Terminal() && c.UpdatedAt.Before(cutoff) }), nil
}

func (r *MemoryRepo) ListByUser(_ context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	return r.list(0, func(c CallRecord) bool {
		if c.UserID != userID {
			return false
		}
		if !from.IsZero() && c.CreatedAt.Before(from) {
			return false
		}
		return to.IsZero() || c.CreatedAt.Before(to)
	}), nil
}

func (r *MemoryRepo) list(limit int, keep func(CallRecord) bool) []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, c := range r.byID {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
