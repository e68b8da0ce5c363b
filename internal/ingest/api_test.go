package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/jinkies/internal/alert"
	"github.com/linnemanlabs/jinkies/internal/alert/memstore"
	"github.com/linnemanlabs/jinkies/internal/deploy"
	"github.com/linnemanlabs/jinkies/internal/dispatch"
)

type fakeActionDispatcher struct {
	mu       sync.Mutex
	notified []*alert.Alert
	actions  []string // "action ref actor"
	reply    string
	err      error
}

func (f *fakeActionDispatcher) Notify(_ context.Context, a *alert.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, a)
}

func (f *fakeActionDispatcher) HandleAction(_ context.Context, act dispatch.Action, ref, actor string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, string(act)+" "+ref+" "+actor)
	return f.reply, f.err
}

type fakeDeployer struct {
	deployment *deploy.Deployment
	deployErr  error
	status     *deploy.RemoteStatus
	statusErr  error
	recent     []*deploy.Deployment
}

func (f *fakeDeployer) Deploy(_ context.Context, branch string, method deploy.Method, actor string) (*deploy.Deployment, error) {
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	d := f.deployment
	if d == nil {
		d = &deploy.Deployment{ID: 1, Branch: branch, Method: method, TriggeredBy: actor}
	}
	return d, nil
}

func (f *fakeDeployer) Status(context.Context) (*deploy.RemoteStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeDeployer) Recent(context.Context, int) ([]*deploy.Deployment, error) {
	return f.recent, nil
}

type fakeTails struct {
	startErr error
	stopErr  error
	started  []string
	stopped  []string
}

func (f *fakeTails) Start(channelID, service, level string, _ time.Duration) error {
	f.started = append(f.started, channelID+" "+service+" "+level)
	return f.startErr
}

func (f *fakeTails) Stop(channelID, service string) error {
	f.stopped = append(f.stopped, channelID+" "+service)
	return f.stopErr
}

func newTestAPI(t *testing.T, disp *fakeActionDispatcher, dep Deployer, tails TailManager) (*API, *chi.Mux, alert.Store) {
	t.Helper()
	store := memstore.New()
	api := New(nil, store, disp, dep, tails, nil)
	r := chi.NewRouter()
	api.RegisterRoutes(r, nil, nil)
	return api, r, store
}

func postJSON(t *testing.T, r http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" || body["service"] != "jinkies" {
		t.Errorf("body = %v", body)
	}
}

func TestAPI_IngestAlert(t *testing.T) {
	t.Parallel()

	disp := &fakeActionDispatcher{}
	_, r, store := newTestAPI(t, disp, nil, nil)

	w := postJSON(t, r, "/alert", map[string]any{
		"service_name":   "payments",
		"exception_type": "ValueError",
		"error_message":  "invalid amount",
		"severity":       "critical",
		"timestamp":      "2026-08-01T12:00:00Z",
		"stack_trace":    "line 1",
		"related_logs":   []string{"[ERROR] boom"},
		"external_id":    "evt-9",
		"additional_context": map[string]any{
			"order_id": "42",
		},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Errorf("status = %v", body["status"])
	}
	id, _ := body["alert_id"].(string)
	if id == "" {
		t.Fatal("missing alert_id")
	}

	saved, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("alert not persisted: %v", err)
	}
	if saved.Severity != alert.SeverityCritical {
		t.Errorf("Severity = %q", saved.Severity)
	}
	if !saved.OccurredAt.Equal(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("OccurredAt = %v", saved.OccurredAt)
	}
	if saved.ExternalID != "evt-9" {
		t.Errorf("ExternalID = %q", saved.ExternalID)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.notified) != 1 || disp.notified[0].ID != id {
		t.Error("dispatcher was not notified of the new alert")
	}
}

func TestAPI_IngestAlertDefaults(t *testing.T) {
	t.Parallel()

	_, r, store := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)

	w := postJSON(t, r, "/alert", map[string]any{
		"service_name":   "payments",
		"exception_type": "ValueError",
		"severity":       "whatever",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("code = %d", w.Code)
	}
	id, _ := decodeBody(t, w)["alert_id"].(string)
	saved, _ := store.Get(context.Background(), id)
	if saved.Severity != alert.SeverityError {
		t.Errorf("Severity = %q, want ERROR default", saved.Severity)
	}
	if saved.OccurredAt.IsZero() || saved.ReceivedAt.IsZero() {
		t.Error("timestamps must default to now")
	}
}

func TestAPI_IngestAlertValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing service_name", payload: map[string]any{"exception_type": "E"}},
		{name: "blank service_name", payload: map[string]any{"service_name": "  ", "exception_type": "E"}},
		{name: "missing exception_type", payload: map[string]any{"service_name": "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			disp := &fakeActionDispatcher{}
			_, r, _ := newTestAPI(t, disp, nil, nil)
			w := postJSON(t, r, "/alert", tt.payload)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("code = %d, want 400", w.Code)
			}
			if body := decodeBody(t, w); body["status"] != "error" {
				t.Errorf("body = %v", body)
			}
			if len(disp.notified) != 0 {
				t.Error("invalid alert must not be dispatched")
			}
		})
	}
}

func TestAPI_IngestAlertBadJSON(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/alert", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", w.Code)
	}
}

func TestAPI_InteractionPing(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)
	w := postJSON(t, r, "/interactions", map[string]any{"type": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body := decodeBody(t, w); body["type"] != float64(1) {
		t.Errorf("body = %v, want pong", body)
	}
}

// content extracts the message content from an interaction response.
func content(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	if body["type"] != float64(4) {
		t.Fatalf("response type = %v, want 4", body["type"])
	}
	data, _ := body["data"].(map[string]any)
	s, _ := data["content"].(string)
	return s
}

func TestAPI_InteractionComponent(t *testing.T) {
	t.Parallel()

	disp := &fakeActionDispatcher{reply: "✅ Alert 01HZXK3A acknowledged by alice."}
	_, r, _ := newTestAPI(t, disp, nil, nil)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 3,
		"data": map[string]any{"custom_id": "alert:acknowledge:01HZXK3AXYZ"},
		"member": map[string]any{
			"user": map[string]any{"id": "u1", "username": "alice"},
		},
	})

	if got := content(t, w); got != disp.reply {
		t.Errorf("content = %q", got)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.actions) != 1 || disp.actions[0] != "acknowledge 01HZXK3AXYZ alice" {
		t.Errorf("actions = %v", disp.actions)
	}
}

func TestAPI_InteractionComponentUnknownAction(t *testing.T) {
	t.Parallel()

	disp := &fakeActionDispatcher{}
	_, r, _ := newTestAPI(t, disp, nil, nil)

	for _, customID := range []string{"alert:explode:x", "garbage", "other:acknowledge:x"} {
		w := postJSON(t, r, "/interactions", map[string]any{
			"type": 3,
			"data": map[string]any{"custom_id": customID},
		})
		if got := content(t, w); !strings.Contains(got, "Unrecognized action") {
			t.Errorf("custom_id %q: content = %q", customID, got)
		}
	}
	if len(disp.actions) != 0 {
		t.Errorf("actions = %v, want none", disp.actions)
	}
}

func TestAPI_CommandDeploy(t *testing.T) {
	t.Parallel()

	dep := &fakeDeployer{deployment: &deploy.Deployment{ID: 7, Branch: "develop"}}
	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, dep, nil)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{
			"name":    "deploy",
			"options": []map[string]any{{"name": "branch", "value": "develop"}},
		},
		"user": map[string]any{"id": "u1", "username": "alice"},
	})
	if got := content(t, w); !strings.Contains(got, "Deployment #7 started for `develop`") {
		t.Errorf("content = %q", got)
	}
}

func TestAPI_CommandDeployAlreadyRunning(t *testing.T) {
	t.Parallel()

	dep := &fakeDeployer{deployErr: deploy.ErrAlreadyRunning}
	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, dep, nil)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{
			"name":    "deploy",
			"options": []map[string]any{{"name": "branch", "value": "develop"}},
		},
	})
	if got := content(t, w); !strings.Contains(got, "already in progress") {
		t.Errorf("content = %q", got)
	}
}

func TestAPI_CommandDeployMissingBranch(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, &fakeDeployer{}, nil)
	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{"name": "deploy"},
	})
	if got := content(t, w); !strings.Contains(got, "branch is required") {
		t.Errorf("content = %q", got)
	}
}

func TestAPI_CommandDeployUnconfigured(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)
	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{
			"name":    "deploy",
			"options": []map[string]any{{"name": "branch", "value": "develop"}},
		},
	})
	if got := content(t, w); !strings.Contains(got, "not configured") {
		t.Errorf("content = %q", got)
	}
}

func TestAPI_CommandDeployStatus(t *testing.T) {
	t.Parallel()

	dep := &fakeDeployer{
		status: &deploy.RemoteStatus{
			Running: true,
			LastCommit: &deploy.CommitInfo{
				Hash: "abcdef12", Author: "Alice", Age: "2 hours ago", Message: "fix retries",
			},
		},
		recent: []*deploy.Deployment{
			{ID: 3, Branch: "develop", Status: deploy.StatusSuccess, TriggeredBy: "alice", StartedAt: time.Now().UTC()},
		},
	}
	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, dep, nil)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{"name": "deploy-status"},
	})
	got := content(t, w)
	for _, want := range []string{"running", "`abcdef12` by Alice", "Recent deployments", "#3 `develop` success"} {
		if !strings.Contains(got, want) {
			t.Errorf("content missing %q in %q", want, got)
		}
	}
}

func TestAPI_CommandLogsTail(t *testing.T) {
	t.Parallel()

	tails := &fakeTails{}
	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, tails)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type":       2,
		"channel_id": "chan-1",
		"data": map[string]any{
			"name": "logs-tail",
			"options": []map[string]any{
				{"name": "service", "value": "payments"},
				{"name": "level", "value": "ERROR"},
				{"name": "duration", "value": 120},
			},
		},
	})
	if got := content(t, w); !strings.Contains(got, "Started tailing **payments**") {
		t.Errorf("content = %q", got)
	}
	if len(tails.started) != 1 || tails.started[0] != "chan-1 payments ERROR" {
		t.Errorf("started = %v", tails.started)
	}
}

func TestAPI_CommandLogsStop(t *testing.T) {
	t.Parallel()

	tails := &fakeTails{}
	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, tails)

	w := postJSON(t, r, "/interactions", map[string]any{
		"type":       2,
		"channel_id": "chan-1",
		"data": map[string]any{
			"name":    "logs-stop",
			"options": []map[string]any{{"name": "service", "value": "payments"}},
		},
	})
	if got := content(t, w); !strings.Contains(got, "Stopped tailing **payments**") {
		t.Errorf("content = %q", got)
	}
	if len(tails.stopped) != 1 || tails.stopped[0] != "chan-1 payments" {
		t.Errorf("stopped = %v", tails.stopped)
	}
}

func TestAPI_CommandUnknown(t *testing.T) {
	t.Parallel()

	_, r, _ := newTestAPI(t, &fakeActionDispatcher{}, nil, nil)
	w := postJSON(t, r, "/interactions", map[string]any{
		"type": 2,
		"data": map[string]any{"name": "make-coffee"},
	})
	if got := content(t, w); !strings.Contains(got, "Unknown command") {
		t.Errorf("content = %q", got)
	}
}
