// Package dispatch routes alert notifications and operator actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/jinkies/internal/alert"
	"github.com/linnemanlabs/jinkies/internal/notify/discord"
)

// Action is an operator action on an alert.
type Action string

const (
	ActionCreatePR       Action = "create_pr"
	ActionCreatePRAssist Action = "create_pr_assist"
	ActionCreateIssue    Action = "create_issue"
	ActionAcknowledge    Action = "acknowledge"
)

// ErrUnknownAction is returned for an action outside the closed set.
var ErrUnknownAction = errors.New("dispatch: unknown action")

// ParseAction validates an action name against the closed set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCreatePR, ActionCreatePRAssist, ActionCreateIssue, ActionAcknowledge:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Messenger posts notifications and confirmations to the alert channel.
type Messenger interface {
	Post(ctx context.Context, channelID, content string) error
	PostEmbed(ctx context.Context, channelID string, embed *discord.Embed, rows ...discord.ActionRow) (discord.MessageRef, error)
}

// ActionService creates pull requests and issues from alerts.
type ActionService interface {
	CreatePR(ctx context.Context, a *alert.Alert, base, fixNotes string) (string, error)
	CreateIssue(ctx context.Context, a *alert.Alert) (string, error)
}

// FixAssistant drafts fix guidance for an alert. Optional; failures
// degrade to a PR without a proposed-fix section.
type FixAssistant interface {
	FixNotes(ctx context.Context, a *alert.Alert) (string, error)
}

// Config configures the dispatcher.
type Config struct {
	// AlertChannelID is the messaging channel receiving notifications.
	AlertChannelID string
	// QueueSize bounds the async notification queue.
	QueueSize int
}

// Dispatcher owns the notification queue and the action table. Actions on
// the same alert are serialized by a per-alert lock; the store's
// conditional updates remain the authoritative guard.
type Dispatcher struct {
	store   alert.Store
	msgr    Messenger
	actions ActionService
	assist  FixAssistant
	metrics *Metrics
	logger  log.Logger
	cfg     Config

	queue chan *alert.Alert

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a dispatcher. assist may be nil.
func New(store alert.Store, msgr Messenger, actions ActionService, assist FixAssistant, metrics *Metrics, logger log.Logger, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		store:   store,
		msgr:    msgr,
		actions: actions,
		assist:  assist,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan *alert.Alert, cfg.QueueSize),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Notify enqueues an alert for channel notification. It never blocks; a
// full queue drops the notification with a log line. The alert is already
// durable, so a drop loses visibility, not the record.
func (d *Dispatcher) Notify(ctx context.Context, a *alert.Alert) {
	select {
	case d.queue <- a:
	default:
		d.logger.Warn(ctx, "notification queue full, dropping", "alert_id", a.ID)
		d.metrics.NotifyOutcome("dropped")
	}
}

// Run drains the notification queue until ctx is canceled. Call it in its
// own goroutine from the composition root.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.post(ctx, a)
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, a *alert.Alert) {
	embed := discord.AlertEmbed(a)
	row := discord.AlertActions(a.ID)
	if _, err := d.msgr.PostEmbed(ctx, d.cfg.AlertChannelID, embed, row); err != nil {
		d.logger.Error(ctx, err, "posting alert notification", "alert_id", a.ID)
		d.metrics.NotifyOutcome("error")
		return
	}
	d.metrics.NotifyOutcome("ok")
}

// HandleAction resolves the alert (full or short id), serializes against
// other actions on the same alert, and executes the action. The returned
// string is the operator-facing outcome; err is reserved for failures the
// operator cannot act on.
func (d *Dispatcher) HandleAction(ctx context.Context, act Action, alertRef, actor string) (string, error) {
	a, err := d.resolve(ctx, alertRef)
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			d.metrics.ActionOutcome(act, "not_found")
			return fmt.Sprintf("❌ Alert not found: %s", alertRef), nil
		}
		d.metrics.ActionOutcome(act, "error")
		return "", err
	}

	unlock := d.lock(a.ID)
	defer unlock()

	// Re-read under the lock: the link and ack guards below must see
	// state persisted by a previous holder.
	a, err = d.store.Get(ctx, a.ID)
	if err != nil {
		d.metrics.ActionOutcome(act, "error")
		return "", err
	}

	var msg string
	switch act {
	case ActionAcknowledge:
		msg, err = d.acknowledge(ctx, a, actor)
	case ActionCreatePR:
		msg, err = d.createPR(ctx, a, false)
	case ActionCreatePRAssist:
		msg, err = d.createPR(ctx, a, true)
	case ActionCreateIssue:
		msg, err = d.createIssue(ctx, a)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, act)
	}
	if err != nil {
		d.metrics.ActionOutcome(act, "error")
		return "", err
	}
	d.metrics.ActionOutcome(act, "ok")
	return msg, nil
}

func (d *Dispatcher) acknowledge(ctx context.Context, a *alert.Alert, actor string) (string, error) {
	err := d.store.Acknowledge(ctx, a.ID, actor)
	switch {
	case errors.Is(err, alert.ErrAlreadyAcknowledged):
		return fmt.Sprintf("❌ Alert %s is already acknowledged.", a.ShortID()), nil
	case err != nil:
		return "", err
	}
	msg := fmt.Sprintf("✅ Alert %s acknowledged by %s.", a.ShortID(), actor)
	d.confirm(ctx, msg)
	return msg, nil
}

func (d *Dispatcher) createPR(ctx context.Context, a *alert.Alert, withAssist bool) (string, error) {
	if a.PRURL != "" {
		return fmt.Sprintf("PR already exists for this alert: %s", a.PRURL), nil
	}

	var notes string
	if withAssist && d.assist != nil {
		var err error
		notes, err = d.assist.FixNotes(ctx, a)
		if err != nil {
			// A PR without guidance still beats no PR.
			d.logger.Error(ctx, err, "fix assist failed", "alert_id", a.ID)
			notes = ""
		}
	}

	url, err := d.actions.CreatePR(ctx, a, "", notes)
	if err != nil {
		return "", fmt.Errorf("creating pr: %w", err)
	}

	if err := d.store.UpdateLinks(ctx, a.ID, url, ""); err != nil {
		if errors.Is(err, alert.ErrLinkAlreadySet) {
			if cur, gerr := d.store.Get(ctx, a.ID); gerr == nil && cur.PRURL != "" {
				return fmt.Sprintf("PR already exists for this alert: %s", cur.PRURL), nil
			}
		}
		d.logger.Error(ctx, err, "persisting pr link", "alert_id", a.ID, "url", url)
	}

	msg := fmt.Sprintf("✅ Created draft PR: %s", url)
	d.confirm(ctx, msg)
	return msg, nil
}

func (d *Dispatcher) createIssue(ctx context.Context, a *alert.Alert) (string, error) {
	if a.IssueURL != "" {
		return fmt.Sprintf("Issue already exists for this alert: %s", a.IssueURL), nil
	}

	url, err := d.actions.CreateIssue(ctx, a)
	if err != nil {
		return "", fmt.Errorf("creating issue: %w", err)
	}

	if err := d.store.UpdateLinks(ctx, a.ID, "", url); err != nil {
		if errors.Is(err, alert.ErrLinkAlreadySet) {
			if cur, gerr := d.store.Get(ctx, a.ID); gerr == nil && cur.IssueURL != "" {
				return fmt.Sprintf("Issue already exists for this alert: %s", cur.IssueURL), nil
			}
		}
		d.logger.Error(ctx, err, "persisting issue link", "alert_id", a.ID, "url", url)
	}

	msg := fmt.Sprintf("✅ Created issue: %s", url)
	d.confirm(ctx, msg)
	return msg, nil
}

// confirm announces an action outcome on the alert channel. Best effort.
func (d *Dispatcher) confirm(ctx context.Context, msg string) {
	if err := d.msgr.Post(ctx, d.cfg.AlertChannelID, msg); err != nil {
		d.logger.Error(ctx, err, "posting confirmation")
	}
}

// resolve finds an alert by full id, falling back to short-id prefix.
func (d *Dispatcher) resolve(ctx context.Context, ref string) (*alert.Alert, error) {
	a, err := d.store.Get(ctx, ref)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, alert.ErrNotFound) {
		return nil, err
	}
	return d.store.ResolveShortID(ctx, ref)
}

// lock serializes actions on one alert within this process.
func (d *Dispatcher) lock(id string) func() {
	d.mu.Lock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}
