package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

func modelServer(t *testing.T, handler func(w http.ResponseWriter, req request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "key-1" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Complete(t *testing.T) {
	t.Parallel()

	srv := modelServer(t, func(w http.ResponseWriter, req request) {
		if req.Model != "claude-test" {
			t.Errorf("model = %q", req.Model)
		}
		if req.System != "be brief" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens != 100 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		_ = json.NewEncoder(w).Encode(response{
			Content: []contentBlock{
				{Type: "text", Text: "first "},
				{Type: "text", Text: "second"},
			},
			StopReason: "end_turn",
		})
	})

	c := New("key-1", "claude-test", WithEndpoint(srv.URL))
	got, err := c.Complete(context.Background(), "be brief", "hello", 100)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "first second" {
		t.Errorf("text = %q, want concatenated blocks", got)
	}
}

func TestClient_CompleteAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"type": "rate_limit_error"}}`))
	}))
	t.Cleanup(srv.Close)

	c := New("key-1", "claude-test", WithEndpoint(srv.URL))
	_, err := c.Complete(context.Background(), "", "hello", 100)
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status in message", err)
	}
}

func TestClient_FixNotes(t *testing.T) {
	t.Parallel()

	var gotPrompt string
	srv := modelServer(t, func(w http.ResponseWriter, req request) {
		gotPrompt = req.Messages[0].Content
		_ = json.NewEncoder(w).Encode(response{
			Content: []contentBlock{{Type: "text", Text: "## Root Cause\nnil deref"}},
		})
	})

	c := New("key-1", "claude-test", WithEndpoint(srv.URL))
	a := &alert.Alert{
		ID:            "01HZXK3AFIX000000000000001",
		ServiceName:   "payments",
		ExceptionType: "ValueError",
		ErrorMessage:  "invalid amount",
		Environment:   "production",
		StackTrace:    "line 1\nline 2",
		Context:       map[string]any{"order_id": "42"},
		OccurredAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	notes, err := c.FixNotes(context.Background(), a)
	if err != nil {
		t.Fatalf("FixNotes: %v", err)
	}
	if !strings.Contains(notes, "Root Cause") {
		t.Errorf("notes = %q", notes)
	}
	for _, want := range []string{
		"**Service**: payments",
		"**Exception**: ValueError",
		"line 1\nline 2",
		`"order_id": "42"`,
	} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestFixNotesPrompt_Defaults(t *testing.T) {
	t.Parallel()

	p := fixNotesPrompt(&alert.Alert{ServiceName: "api", ExceptionType: "KeyError"})
	if !strings.Contains(p, "No stack trace available") {
		t.Error("missing stack trace placeholder")
	}
	if !strings.Contains(p, "- **Path**: N/A") {
		t.Error("missing path placeholder")
	}
	if !strings.Contains(p, "```json\nNone\n```") {
		t.Error("missing context placeholder")
	}
}
