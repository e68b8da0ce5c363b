package deploy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMessenger records every messaging call for assertions.
type fakeMessenger struct {
	mu       sync.Mutex
	posts    []string // "channel: content"
	chunked  []string
	threads  []string
	deleted  []string
	threadID string
}

func (f *fakeMessenger) Post(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, channelID+": "+content)
	return nil
}

func (f *fakeMessenger) PostChunked(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunked = append(f.chunked, channelID+": "+content)
	return nil
}

func (f *fakeMessenger) CreateThread(_ context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = append(f.threads, channelID+": "+name)
	if f.threadID == "" {
		f.threadID = "thread-1"
	}
	return f.threadID, nil
}

func (f *fakeMessenger) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakeMessenger) snapshot() (posts, chunked, threads, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...),
		append([]string(nil), f.chunked...),
		append([]string(nil), f.threads...),
		append([]string(nil), f.deleted...)
}

func TestSession_WriteForwardsFullChunks(t *testing.T) {
	t.Parallel()

	msgr := &fakeMessenger{}
	s, err := OpenSession(context.Background(), msgr, "chan-1", "deploy-1-develop", time.Minute, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	big := strings.Repeat("x", sessionChunkSize+10)
	if _, err := s.Write([]byte(big)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, chunked, threads, _ := msgr.snapshot()
	if len(threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(threads))
	}
	if len(chunked) != 1 {
		t.Fatalf("chunked = %d, want 1 immediate forward", len(chunked))
	}

	// Remainder stays buffered until Flush.
	s.Flush()
	_, chunked, _, _ = msgr.snapshot()
	if len(chunked) != 2 {
		t.Fatalf("chunked after flush = %d, want 2", len(chunked))
	}
	if !strings.Contains(chunked[1], "xxxxxxxxxx") {
		t.Errorf("flush chunk = %q, want buffered remainder", chunked[1])
	}
}

func TestSession_CloseSuccessReleasesAfterGrace(t *testing.T) {
	t.Parallel()

	msgr := &fakeMessenger{}
	s, err := OpenSession(context.Background(), msgr, "chan-1", "deploy-2-develop", 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	s.Close(true)

	_, _, _, deleted := msgr.snapshot()
	if len(deleted) != 0 {
		t.Fatal("release fired before grace elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, _, deleted = msgr.snapshot()
		if len(deleted) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if deleted[0] != "thread-1" {
		t.Errorf("deleted = %q, want thread-1", deleted[0])
	}
}

func TestSession_CloseFailureRetains(t *testing.T) {
	t.Parallel()

	msgr := &fakeMessenger{}
	s, err := OpenSession(context.Background(), msgr, "chan-1", "deploy-3-develop", 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	s.Close(false)
	time.Sleep(50 * time.Millisecond)

	_, _, _, deleted := msgr.snapshot()
	if len(deleted) != 0 {
		t.Error("failed deployment's session must be retained")
	}
}

func TestSession_FailureCloseCancelsPendingRelease(t *testing.T) {
	t.Parallel()

	msgr := &fakeMessenger{}
	s, err := OpenSession(context.Background(), msgr, "chan-1", "deploy-4-develop", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	s.Close(true)
	s.Close(false) // abnormal termination after close, retention wins
	time.Sleep(150 * time.Millisecond)

	_, _, _, deleted := msgr.snapshot()
	if len(deleted) != 0 {
		t.Error("pending release was not cancelled")
	}
}

func TestSession_WriteAfterCloseDropped(t *testing.T) {
	t.Parallel()

	msgr := &fakeMessenger{}
	s, err := OpenSession(context.Background(), msgr, "chan-1", "deploy-5-develop", time.Minute, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	s.Close(false)
	n, err := s.Write([]byte(strings.Repeat("y", sessionChunkSize*2)))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n == 0 {
		t.Error("Write must report the bytes as consumed")
	}

	_, chunked, _, _ := msgr.snapshot()
	if len(chunked) != 0 {
		t.Error("output forwarded after close")
	}
}
