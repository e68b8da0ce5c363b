// Package tail streams new log entries to messaging channels on a fixed
// polling cadence.
package tail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/jinkies/internal/logsource"
)

// Sentinel errors for session management.
var (
	ErrAlreadyTailing = errors.New("tail: session already active")
	ErrNotTailing     = errors.New("tail: no active session")
)

// Forwarder delivers tailed log lines to a channel.
type Forwarder interface {
	Post(ctx context.Context, channelID, content string) error
	PostChunked(ctx context.Context, channelID, content string) error
}

// Config configures the manager.
type Config struct {
	// Interval is the polling cadence shared by all sessions.
	Interval time.Duration
	// DefaultDuration applies when a session asks for no duration.
	DefaultDuration time.Duration
	// MaxDuration caps requested session durations.
	MaxDuration time.Duration
	// FetchLimit bounds entries fetched per session per tick.
	FetchLimit int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 100
	}
}

// sessionKey identifies a session. One service per channel at a time.
type sessionKey struct {
	ChannelID string
	Service   string
}

type session struct {
	key      sessionKey
	selector string
	level    string
	started  time.Time
	duration time.Duration

	// cursor is the exclusive lower bound for the next fetch; zero means
	// no entry delivered yet.
	cursor time.Time
}

// Manager runs tail sessions off a single shared ticker. The loop starts
// when the first session arrives and stops when the last one ends.
type Manager struct {
	source    logsource.Source
	selectors logsource.SelectorMap
	fwd       Forwarder
	logger    log.Logger
	cfg       Config

	now func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*session
	cancel   context.CancelFunc
}

// New creates a tail manager.
func New(source logsource.Source, selectors logsource.SelectorMap, fwd Forwarder, logger log.Logger, cfg Config) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		source:    source,
		selectors: selectors,
		fwd:       fwd,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[sessionKey]*session),
	}
}

// Start begins tailing a service into a channel. A second session for the
// same channel and service conflicts.
func (m *Manager) Start(channelID, service, level string, duration time.Duration) error {
	if duration <= 0 {
		duration = m.cfg.DefaultDuration
	}
	if duration > m.cfg.MaxDuration {
		duration = m.cfg.MaxDuration
	}

	key := sessionKey{ChannelID: channelID, Service: service}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return fmt.Errorf("%w: %s in channel %s", ErrAlreadyTailing, service, channelID)
	}
	m.sessions[key] = &session{
		key:      key,
		selector: m.selectors.Selector(service),
		level:    level,
		started:  m.now(),
		duration: duration,
	}
	if m.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.loop(ctx)
	}
	return nil
}

// Stop ends the session for a channel and service.
func (m *Manager) Stop(channelID, service string) error {
	key := sessionKey{ChannelID: channelID, Service: service}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return fmt.Errorf("%w: %s in channel %s", ErrNotTailing, service, channelID)
	}
	delete(m.sessions, key)
	m.stopLoopIfEmptyLocked()
	return nil
}

// Active reports whether a session exists for the channel and service.
func (m *Manager) Active(channelID, service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionKey{ChannelID: channelID, Service: service}]
	return ok
}

// Shutdown stops the polling loop and drops all sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[sessionKey]*session)
	m.stopLoopIfEmptyLocked()
}

func (m *Manager) stopLoopIfEmptyLocked() {
	if len(m.sessions) == 0 && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick services every session once: expire, or fetch since the cursor and
// forward. A fetch or forward error removes the session rather than
// letting it retry forever against a broken backend.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		if m.now().Sub(s.started) > s.duration {
			m.remove(s.key)
			m.notify(ctx, s.key.ChannelID, fmt.Sprintf("⏱️ Tail session for **%s** has ended.", s.key.Service))
			continue
		}

		since := s.cursor
		if since.IsZero() {
			since = m.now().Add(-time.Minute)
		}
		until := m.now()

		entries, err := m.source.Query(ctx, s.selector, s.level, since, until, m.cfg.FetchLimit)
		if err != nil {
			m.logger.Error(ctx, err, "tail fetch failed, ending session",
				"service", s.key.Service, "channel_id", s.key.ChannelID)
			m.remove(s.key)
			m.notify(ctx, s.key.ChannelID, fmt.Sprintf("❌ Tail session for **%s** ended: log fetch failed.", s.key.Service))
			continue
		}
		if len(entries) == 0 {
			continue
		}

		// The cursor only moves once the entries are delivered; a failed
		// forward ends the session rather than skipping lines.
		if err := m.fwd.PostChunked(ctx, s.key.ChannelID, formatEntries(entries)); err != nil {
			m.logger.Error(ctx, err, "forwarding tailed logs, ending session",
				"service", s.key.Service, "channel_id", s.key.ChannelID)
			m.remove(s.key)
			continue
		}
		s.cursor = nextCursor(entries, m.now())
	}
}

func (m *Manager) remove(key sessionKey) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.stopLoopIfEmptyLocked()
	m.mu.Unlock()
}

func (m *Manager) notify(ctx context.Context, channelID, msg string) {
	if err := m.fwd.Post(ctx, channelID, msg); err != nil {
		m.logger.Error(ctx, err, "posting tail notice", "channel_id", channelID)
	}
}

// nextCursor advances past the newest delivered entry. Entries without a
// parseable timestamp fall back to the wall clock so the cursor never
// sticks.
func nextCursor(entries []logsource.Entry, now time.Time) time.Time {
	var max time.Time
	for _, e := range entries {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	if max.IsZero() {
		return now
	}
	return max.Add(time.Millisecond)
}

func formatEntries(entries []logsource.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		ts := "unknown"
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Format(time.RFC3339)
		}
		level := e.Level
		if level == "" {
			level = "INFO"
		}
		fmt.Fprintf(&b, "[%s] %s - %s\n", level, ts, e.Line)
	}
	return b.String()
}
