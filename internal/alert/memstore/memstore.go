// Package memstore provides an in-memory implementation of alert.Store.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert // alert ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{alerts: make(map[string]*alert.Alert)}
}

// Save upserts a copy of the alert, keyed by its internal ID. A conflict
// rewrites the event data only; ack state and links, written through
// Acknowledge and UpdateLinks, survive the upsert.
func (s *Store) Save(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if prev, ok := s.alerts[a.ID]; ok {
		cp.Acknowledged = prev.Acknowledged
		cp.AcknowledgedBy = prev.AcknowledgedBy
		cp.AcknowledgedAt = prev.AcknowledgedAt
		cp.PRURL = prev.PRURL
		cp.IssueURL = prev.IssueURL
	}
	s.alerts[a.ID] = &cp
	return nil
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, alert.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ResolveShortID returns the newest alert whose ID starts with prefix.
func (s *Store) ResolveShortID(_ context.Context, prefix string) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *alert.Alert
	for _, a := range s.alerts {
		if !strings.HasPrefix(a.ID, prefix) {
			continue
		}
		if best == nil || a.OccurredAt.After(best.OccurredAt) {
			best = a
		}
	}
	if best == nil {
		return nil, alert.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// GetRecent returns up to limit alerts, newest occurred_at first, optionally
// filtered by acknowledgment flag.
func (s *Store) GetRecent(_ context.Context, limit int, acked *bool) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(a *alert.Alert) bool {
		return acked == nil || a.Acknowledged == *acked
	}), nil
}

// GetByService returns up to limit alerts for one service, newest first.
func (s *Store) GetByService(_ context.Context, service string, limit int) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(a *alert.Alert) bool {
		return a.ServiceName == service
	}), nil
}

// collect copies matching records sorted by occurred_at descending.
// Caller must hold at least the read lock.
func (s *Store) collect(limit int, match func(*alert.Alert) bool) []*alert.Alert {
	out := make([]*alert.Alert, 0, limit)
	for _, a := range s.alerts {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Acknowledge sets the acknowledgment fields exactly once.
func (s *Store) Acknowledge(_ context.Context, id, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alert.ErrNotFound
	}
	if a.Acknowledged {
		return alert.ErrAlreadyAcknowledged
	}
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = time.Now().UTC()
	return nil
}

// UpdateLinks sets PR and/or issue links, rejecting overwrites.
func (s *Store) UpdateLinks(_ context.Context, id, prURL, issueURL string) error {
	if prURL == "" && issueURL == "" {
		return alert.ErrNoLinksGiven
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alert.ErrNotFound
	}
	if prURL != "" && a.PRURL != "" {
		return alert.ErrLinkAlreadySet
	}
	if issueURL != "" && a.IssueURL != "" {
		return alert.ErrLinkAlreadySet
	}
	if prURL != "" {
		a.PRURL = prURL
	}
	if issueURL != "" {
		a.IssueURL = issueURL
	}
	return nil
}

// Cleanup removes alerts older than maxAge and reports how many.
func (s *Store) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.alerts {
		if a.OccurredAt.Before(cutoff) {
			delete(s.alerts, id)
			removed++
		}
	}
	return removed, nil
}
