package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/jinkies/internal/alert"
	"github.com/linnemanlabs/jinkies/internal/alert/memstore"
	"github.com/linnemanlabs/jinkies/internal/notify/discord"
)

type fakeMessenger struct {
	mu     sync.Mutex
	posts  []string
	embeds []*discord.Embed
	rows   []discord.ActionRow
	err    error
}

func (f *fakeMessenger) Post(_ context.Context, _, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, content)
	return f.err
}

func (f *fakeMessenger) PostEmbed(_ context.Context, _ string, embed *discord.Embed, rows ...discord.ActionRow) (discord.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, embed)
	f.rows = append(f.rows, rows...)
	return discord.MessageRef{MessageID: "m-1"}, f.err
}

func (f *fakeMessenger) embedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.embeds)
}

type fakeActions struct {
	prCalls    atomic.Int64
	issueCalls atomic.Int64
	prDelay    time.Duration
	prErr      error
	lastNotes  atomic.Value
}

func (f *fakeActions) CreatePR(_ context.Context, a *alert.Alert, _, fixNotes string) (string, error) {
	n := f.prCalls.Add(1)
	f.lastNotes.Store(fixNotes)
	if f.prDelay > 0 {
		time.Sleep(f.prDelay)
	}
	if f.prErr != nil {
		return "", f.prErr
	}
	return fmt.Sprintf("https://github.test/%s/pull/%d", a.ShortID(), n), nil
}

func (f *fakeActions) CreateIssue(_ context.Context, a *alert.Alert) (string, error) {
	n := f.issueCalls.Add(1)
	return fmt.Sprintf("https://github.test/%s/issues/%d", a.ShortID(), n), nil
}

type fakeAssist struct {
	notes string
	err   error
}

func (f *fakeAssist) FixNotes(context.Context, *alert.Alert) (string, error) {
	return f.notes, f.err
}

func seedAlert(t *testing.T, store alert.Store) *alert.Alert {
	t.Helper()
	a := &alert.Alert{
		ID:            alert.NewID(),
		ServiceName:   "payments",
		ExceptionType: "ValueError",
		ErrorMessage:  "boom",
		Severity:      alert.SeverityError,
		OccurredAt:    time.Now().UTC(),
	}
	if err := store.Save(context.Background(), a); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	return a
}

func TestDispatcher_NotifyPostsEmbed(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	msgr := &fakeMessenger{}
	d := New(store, msgr, &fakeActions{}, nil, nil, nil, Config{AlertChannelID: "chan-1"})
	a := seedAlert(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(ctx, a)

	deadline := time.Now().Add(2 * time.Second)
	for msgr.embedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification was never posted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgr.mu.Lock()
	defer msgr.mu.Unlock()
	if len(msgr.rows) != 1 {
		t.Fatalf("rows = %d, want 1 action row", len(msgr.rows))
	}
	want := "alert:acknowledge:" + a.ID
	var found bool
	for _, b := range msgr.rows[0].Components {
		if b.CustomID == want {
			found = true
		}
	}
	if !found {
		t.Errorf("no button with custom_id %q", want)
	}
}

func TestDispatcher_NotifyFullQueueDrops(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	// No Run goroutine, so the queue fills and the overflow must drop
	// without blocking.
	d := New(store, &fakeMessenger{}, &fakeActions{}, nil, nil, nil, Config{QueueSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			d.Notify(context.Background(), &alert.Alert{ID: alert.NewID()})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	if got := len(d.queue); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestDispatcher_Acknowledge(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	msgr := &fakeMessenger{}
	d := New(store, msgr, &fakeActions{}, nil, nil, nil, Config{AlertChannelID: "chan-1"})
	a := seedAlert(t, store)

	msg, err := d.HandleAction(context.Background(), ActionAcknowledge, a.ID, "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.HasPrefix(msg, "✅") || !strings.Contains(msg, "alice") {
		t.Errorf("msg = %q", msg)
	}

	msg, err = d.HandleAction(context.Background(), ActionAcknowledge, a.ID, "bob")
	if err != nil {
		t.Fatalf("second HandleAction: %v", err)
	}
	if !strings.Contains(msg, "already acknowledged") {
		t.Errorf("second msg = %q, want already-acknowledged notice", msg)
	}
}

func TestDispatcher_AcknowledgeByShortID(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	d := New(store, &fakeMessenger{}, &fakeActions{}, nil, nil, nil, Config{})
	a := seedAlert(t, store)

	msg, err := d.HandleAction(context.Background(), ActionAcknowledge, a.ShortID(), "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.HasPrefix(msg, "✅") {
		t.Errorf("msg = %q", msg)
	}
	got, _ := store.Get(context.Background(), a.ID)
	if !got.Acknowledged {
		t.Error("short-id reference did not resolve to the full record")
	}
}

func TestDispatcher_UnknownAlert(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	d := New(store, &fakeMessenger{}, &fakeActions{}, nil, nil, nil, Config{})

	msg, err := d.HandleAction(context.Background(), ActionAcknowledge, "nope", "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.Contains(msg, "not found") {
		t.Errorf("msg = %q, want not-found notice", msg)
	}
}

func TestDispatcher_CreatePROnce(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{}
	d := New(store, &fakeMessenger{}, actions, nil, nil, nil, Config{})
	a := seedAlert(t, store)

	msg, err := d.HandleAction(context.Background(), ActionCreatePR, a.ID, "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.Contains(msg, "Created draft PR") {
		t.Errorf("msg = %q", msg)
	}

	msg, err = d.HandleAction(context.Background(), ActionCreatePR, a.ID, "bob")
	if err != nil {
		t.Fatalf("second HandleAction: %v", err)
	}
	if !strings.Contains(msg, "PR already exists") {
		t.Errorf("second msg = %q", msg)
	}
	if got := actions.prCalls.Load(); got != 1 {
		t.Errorf("CreatePR calls = %d, want 1", got)
	}
}

func TestDispatcher_ConcurrentCreatePRSingleWinner(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{prDelay: 20 * time.Millisecond}
	d := New(store, &fakeMessenger{}, actions, nil, nil, nil, Config{})
	a := seedAlert(t, store)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			_, _ = d.HandleAction(context.Background(), ActionCreatePR, a.ID, "alice")
		}()
	}
	wg.Wait()

	if got := actions.prCalls.Load(); got != 1 {
		t.Errorf("CreatePR calls = %d, want exactly 1", got)
	}
	got, _ := store.Get(context.Background(), a.ID)
	if got.PRURL == "" {
		t.Error("PR link was not persisted")
	}
}

func TestDispatcher_CreatePRWithAssist(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{}
	assist := &fakeAssist{notes: "check the nil guard in handler.go"}
	d := New(store, &fakeMessenger{}, actions, assist, nil, nil, Config{})
	a := seedAlert(t, store)

	if _, err := d.HandleAction(context.Background(), ActionCreatePRAssist, a.ID, "alice"); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if notes, _ := actions.lastNotes.Load().(string); notes != assist.notes {
		t.Errorf("fix notes = %q, want %q", notes, assist.notes)
	}
}

func TestDispatcher_AssistFailureDegrades(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{}
	assist := &fakeAssist{err: errors.New("model overloaded")}
	d := New(store, &fakeMessenger{}, actions, assist, nil, nil, Config{})
	a := seedAlert(t, store)

	msg, err := d.HandleAction(context.Background(), ActionCreatePRAssist, a.ID, "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.Contains(msg, "Created draft PR") {
		t.Errorf("msg = %q, assist failure must not block the PR", msg)
	}
	if notes, _ := actions.lastNotes.Load().(string); notes != "" {
		t.Errorf("fix notes = %q, want empty on assist failure", notes)
	}
}

func TestDispatcher_CreateIssue(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{}
	d := New(store, &fakeMessenger{}, actions, nil, nil, nil, Config{})
	a := seedAlert(t, store)

	msg, err := d.HandleAction(context.Background(), ActionCreateIssue, a.ID, "alice")
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if !strings.Contains(msg, "Created issue") {
		t.Errorf("msg = %q", msg)
	}

	msg, _ = d.HandleAction(context.Background(), ActionCreateIssue, a.ID, "bob")
	if !strings.Contains(msg, "Issue already exists") {
		t.Errorf("second msg = %q", msg)
	}
	if got := actions.issueCalls.Load(); got != 1 {
		t.Errorf("CreateIssue calls = %d, want 1", got)
	}
}

func TestDispatcher_CreatePRFailure(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	actions := &fakeActions{prErr: errors.New("api down")}
	d := New(store, &fakeMessenger{}, actions, nil, nil, nil, Config{})
	a := seedAlert(t, store)

	if _, err := d.HandleAction(context.Background(), ActionCreatePR, a.ID, "alice"); err == nil {
		t.Fatal("expected error when PR creation fails")
	}
	got, _ := store.Get(context.Background(), a.ID)
	if got.PRURL != "" {
		t.Error("no link may be persisted for a failed PR")
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"create_pr", "create_pr_assist", "create_issue", "acknowledge"} {
		if _, err := ParseAction(valid); err != nil {
			t.Errorf("ParseAction(%q) = %v", valid, err)
		}
	}
	if _, err := ParseAction("delete_everything"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}
