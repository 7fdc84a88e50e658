package build

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRecord keeps the build and its creation order for deterministic listing.
type memRecord struct {
	build ModuleBuild
	seq   int
}

// MemStore keeps builds and components in memory. It backs tests and local
// development; the production store is PostgresStore.
type MemStore struct {
	mu         sync.RWMutex
	builds     map[string]*memRecord
	components map[string]ComponentBuild
	seq        int
}

func NewMemStore() *MemStore {
	return &MemStore{
		builds:     make(map[string]*memRecord),
		components: make(map[string]ComponentBuild),
	}
}

func (s *MemStore) CreateBuild(ctx context.Context, mb *ModuleBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb.TimeModified.IsZero() {
		mb.TimeModified = time.Now().UTC()
	}
	s.seq++
	s.builds[mb.ID] = &memRecord{build: *mb, seq: s.seq}
	return nil
}

func (s *MemStore) GetBuild(ctx context.Context, id string) (*ModuleBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	mb := rec.build
	return &mb, nil
}

func (s *MemStore) SaveBuild(ctx context.Context, mb *ModuleBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[mb.ID]
	if !ok {
		return ErrNotFound
	}
	rec.build = *mb
	return nil
}

func (s *MemStore) ListBuilds(ctx context.Context, states ...State) ([]*ModuleBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(mb *ModuleBuild) bool {
		return matchState(mb.State, states)
	}), nil
}

func (s *MemStore) ListStaleBuilds(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(mb *ModuleBuild) bool {
		return matchState(mb.State, states) && mb.TimeModified.Before(before)
	}), nil
}

func (s *MemStore) ListCompletedBefore(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(mb *ModuleBuild) bool {
		return matchState(mb.State, states) && mb.TimeCompleted != nil && mb.TimeCompleted.Before(before)
	}), nil
}

func (s *MemStore) TouchBuild(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[id]
	if !ok {
		return ErrNotFound
	}
	rec.build.TimeModified = time.Now().UTC()
	return nil
}

func (s *MemStore) LatestPriorBuild(ctx context.Context, name, stream, excludeID string) (*ModuleBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *memRecord
	for _, rec := range s.builds {
		b := rec.build
		if b.ID == excludeID || b.Name != name || b.Stream != stream || b.Scratch {
			continue
		}
		if b.State != StateDone && b.State != StateReady {
			continue
		}
		if best == nil || rec.seq > best.seq {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	mb := best.build
	return &mb, nil
}

func (s *MemStore) CreateComponent(ctx context.Context, cb *ComponentBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// One row per (module, package); a concurrent redelivery racing the
	// same create loses silently, matching the ON CONFLICT DO NOTHING in
	// PostgresStore.
	for _, existing := range s.components {
		if existing.ModuleID == cb.ModuleID && existing.Package == cb.Package {
			return nil
		}
	}
	s.components[cb.ID] = *cb
	return nil
}

func (s *MemStore) SaveComponent(ctx context.Context, cb *ComponentBuild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.components[cb.ID]; !ok {
		return ErrNotFound
	}
	s.components[cb.ID] = *cb
	return nil
}

func (s *MemStore) GetComponent(ctx context.Context, id string) (*ComponentBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.components[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cb, nil
}

func (s *MemStore) ComponentsForBuild(ctx context.Context, moduleID string) ([]*ComponentBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ComponentBuild
	for _, cb := range s.components {
		if cb.ModuleID == moduleID {
			c := cb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Batch != out[j].Batch {
			return out[i].Batch < out[j].Batch
		}
		return out[i].Package < out[j].Package
	})
	return out, nil
}

func (s *MemStore) Close() error { return nil }

// filter returns copies of builds matching keep, ordered by insertion.
func (s *MemStore) filter(keep func(*ModuleBuild) bool) []*ModuleBuild {
	recs := make([]*memRecord, 0, len(s.builds))
	for _, rec := range s.builds {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	var out []*ModuleBuild
	for _, rec := range recs {
		mb := rec.build
		if keep(&mb) {
			out = append(out, &mb)
		}
	}
	return out
}

func matchState(s State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
