package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// sessionChunkSize bounds the size of each chunk forwarded to the
// destination, leaving headroom under the messaging layer's 2000-byte
// message limit.
const sessionChunkSize = 1500

// Messenger is the messaging surface the deployment subsystem needs.
type Messenger interface {
	Post(ctx context.Context, channelID, content string) error
	PostChunked(ctx context.Context, channelID, content string) error
	CreateThread(ctx context.Context, channelID, name string) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
}

// Session is an ephemeral log destination bound to one deployment. Output
// written to it is forwarded in bounded chunks. Retention is asymmetric:
// Close(true) schedules deletion after a grace delay so a human can read
// the tail; Close(false) cancels any pending deletion and retains the
// destination for inspection.
type Session struct {
	ThreadID string

	msgr   Messenger
	logger log.Logger
	grace  time.Duration
	ctx    context.Context

	mu      sync.Mutex
	buf     []byte
	closed  bool
	release *time.Timer
}

// OpenSession acquires a thread under parentChannel as the scoped log
// destination. The caller degrades gracefully when this fails.
func OpenSession(ctx context.Context, msgr Messenger, parentChannel, name string, grace time.Duration, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Nop()
	}
	threadID, err := msgr.CreateThread(ctx, parentChannel, name)
	if err != nil {
		return nil, fmt.Errorf("create scoped destination: %w", err)
	}
	return &Session{
		ThreadID: threadID,
		msgr:     msgr,
		logger:   logger,
		grace:    grace,
		// Forwarding outlives the triggering request.
		ctx: context.WithoutCancel(ctx),
	}, nil
}

// Write implements io.Writer so the session can serve as the executor's
// output sink. Complete chunks are forwarded immediately; the remainder is
// buffered until Flush.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	s.buf = append(s.buf, p...)
	for len(s.buf) >= sessionChunkSize {
		chunk := s.buf[:sessionChunkSize]
		s.buf = s.buf[sessionChunkSize:]
		s.forward(string(chunk))
	}
	return len(p), nil
}

// Flush forwards any buffered remainder.
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		s.forward(string(s.buf))
		s.buf = nil
	}
}

// forward posts one chunk; delivery is best-effort and failures are only
// logged. Caller must hold s.mu.
func (s *Session) forward(chunk string) {
	if err := s.msgr.PostChunked(s.ctx, s.ThreadID, "```\n"+chunk+"\n```"); err != nil {
		s.logger.Error(s.ctx, err, "failed to forward output to session", "thread_id", s.ThreadID)
	}
}

// Close applies the retention policy. It is safe to call more than once;
// later calls may only cancel a pending release (abnormal termination
// after a success-path close).
func (s *Session) Close(success bool) {
	s.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !success {
		// Retain indefinitely; cancel a pending release if one exists.
		if s.release != nil {
			s.release.Stop()
			s.release = nil
		}
		s.closed = true
		return
	}
	if s.closed {
		return
	}
	s.closed = true
	threadID := s.ThreadID
	s.release = time.AfterFunc(s.grace, func() {
		if err := s.msgr.DeleteChannel(s.ctx, threadID); err != nil {
			s.logger.Error(s.ctx, err, "failed to release session", "thread_id", threadID)
		}
	})
}
