package logsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestLoki_Query(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ns := func(d time.Duration) string {
		return strconv.FormatInt(base.Add(d).UnixNano(), 10)
	}

	var gotQuery map[string]string
	var gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/query_range" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotTenant = r.Header.Get("X-Scope-OrgID")
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		// Two streams, values newest-first the way direction=backward
		// returns them.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"result": []map[string]any{
					{
						"stream": map[string]string{"service_name": "payments"},
						"values": [][]string{
							{ns(2 * time.Second), "third"},
							{ns(0), "first"},
						},
					},
					{
						"stream": map[string]string{"service_name": "payments", "pod": "b"},
						"values": [][]string{
							{ns(time.Second), "second"},
						},
					},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	l := NewLoki(srv.URL, "tenant-1")
	entries, err := l.Query(context.Background(), `{service_name="payments"}`, "ERROR",
		base.Add(-time.Minute), base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if gotTenant != "tenant-1" {
		t.Errorf("X-Scope-OrgID = %q", gotTenant)
	}
	if gotQuery["direction"] != "backward" {
		t.Errorf("direction = %q", gotQuery["direction"])
	}
	if gotQuery["limit"] != "100" {
		t.Errorf("limit = %q, want default 100", gotQuery["limit"])
	}
	if gotQuery["query"] != `{service_name="payments"} |= "ERROR"` {
		t.Errorf("query = %q", gotQuery["query"])
	}
	if gotQuery["start"] != strconv.FormatInt(base.Add(-time.Minute).UnixNano(), 10) {
		t.Errorf("start = %q", gotQuery["start"])
	}

	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Flattened across streams and re-sorted ascending.
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Line != want {
			t.Errorf("entries[%d].Line = %q, want %q", i, entries[i].Line, want)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatal("entries not in non-decreasing timestamp order")
		}
	}
	if entries[0].Level != "ERROR" {
		t.Errorf("Level = %q", entries[0].Level)
	}
}

func TestLoki_QueryLimitClamp(t *testing.T) {
	t.Parallel()

	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"result": []any{}},
		})
	}))
	t.Cleanup(srv.Close)

	l := NewLoki(srv.URL, "")
	if _, err := l.Query(context.Background(), "{app=\"x\"}", "", time.Now().Add(-time.Minute), time.Now(), 9000); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotLimit != "500" {
		t.Errorf("limit = %q, want clamped 500", gotLimit)
	}
}

func TestLoki_QueryBadTimestamp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"result": []map[string]any{
					{
						"stream": map[string]string{},
						"values": [][]string{{"not-a-number", "orphan line"}},
					},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	l := NewLoki(srv.URL, "")
	entries, err := l.Query(context.Background(), "{app=\"x\"}", "", time.Now().Add(-time.Minute), time.Now(), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].Timestamp.IsZero() {
		t.Error("unparseable timestamp must yield a zero Timestamp")
	}
}

func TestLoki_QueryFailureStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "error"})
	}))
	t.Cleanup(srv.Close)

	l := NewLoki(srv.URL, "")
	if _, err := l.Query(context.Background(), "{app=\"x\"}", "", time.Now().Add(-time.Minute), time.Now(), 10); err == nil {
		t.Fatal("expected error for non-success status")
	}
}

func TestLoki_QueryHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many outstanding requests", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	l := NewLoki(srv.URL, "")
	if _, err := l.Query(context.Background(), "{app=\"x\"}", "", time.Now().Add(-time.Minute), time.Now(), 10); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestSelectorMap(t *testing.T) {
	t.Parallel()

	m := SelectorMap{"payments": `{namespace="prod", app="payments"}`}
	if got := m.Selector("payments"); got != `{namespace="prod", app="payments"}` {
		t.Errorf("mapped selector = %q", got)
	}
	if got := m.Selector("worker"); got != `{service_name="worker"}` {
		t.Errorf("default selector = %q", got)
	}
	var empty SelectorMap
	if got := empty.Selector("api"); got != `{service_name="api"}` {
		t.Errorf("nil map selector = %q", got)
	}
}
