// Package logsource reads log entries from a remote log backend.
package logsource

import (
	"context"
	"fmt"
	"time"
)

// Entry is one log line from the backend. Timestamp is zero when the
// backend's timestamp could not be parsed; callers fall back to wall
// clock for cursor advancement.
type Entry struct {
	Timestamp time.Time
	Level     string
	Line      string
}

// Source queries a log backend. selector is a backend-native stream
// selector; level, when non-empty, restricts to lines carrying that
// level marker.
type Source interface {
	Query(ctx context.Context, selector, level string, since, until time.Time, limit int) ([]Entry, error)
}

// SelectorMap maps service names onto backend stream selectors. Services
// without an explicit mapping get a selector on their service_name label.
type SelectorMap map[string]string

// Selector returns the selector for a service.
func (m SelectorMap) Selector(service string) string {
	if sel, ok := m[service]; ok {
		return sel
	}
	return fmt.Sprintf("{service_name=%q}", service)
}
