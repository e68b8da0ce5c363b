// Package memstore provides an in-memory implementation of deploy.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/jinkies/internal/deploy"
)

// Store holds deployment records in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*deploy.Deployment
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{nextID: 1, byID: make(map[int64]*deploy.Deployment)}
}

// Save creates the deployment and assigns its ID.
func (s *Store) Save(_ context.Context, d *deploy.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.nextID
	s.nextID++
	cp := *d
	s.byID[d.ID] = &cp
	return nil
}

// Update rewrites the record, guarding terminal statuses.
func (s *Store) Update(_ context.Context, d *deploy.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[d.ID]
	if !ok {
		return deploy.ErrNotFound
	}
	if cur.Status.Terminal() && cur.Status != d.Status {
		return deploy.ErrTerminal
	}
	cp := *d
	s.byID[d.ID] = &cp
	return nil
}

// Get retrieves a deployment by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id int64) (*deploy.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, deploy.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetRecent returns up to limit deployments, newest started_at first.
func (s *Store) GetRecent(_ context.Context, limit int) ([]*deploy.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(*deploy.Deployment) bool { return true }), nil
}

// GetByStatus returns deployments with the given status, newest first.
func (s *Store) GetByStatus(_ context.Context, status deploy.Status) ([]*deploy.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(0, func(d *deploy.Deployment) bool { return d.Status == status }), nil
}

// GetLastSuccess returns the most recently completed successful deployment.
func (s *Store) GetLastSuccess(_ context.Context) (*deploy.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *deploy.Deployment
	for _, d := range s.byID {
		if d.Status != deploy.StatusSuccess || d.CompletedAt == nil {
			continue
		}
		if best == nil || d.CompletedAt.After(*best.CompletedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, deploy.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) collect(limit int, match func(*deploy.Deployment) bool) []*deploy.Deployment {
	var out []*deploy.Deployment
	for _, d := range s.byID {
		if match(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
