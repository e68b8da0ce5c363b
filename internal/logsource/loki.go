package logsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"time"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

// Loki queries a Loki instance through its query_range API.
type Loki struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewLoki creates a source for the given Loki endpoint and tenant ID.
func NewLoki(endpoint, tenantID string) *Loki {
	return &Loki{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []lokiStream `json:"result"`
	} `json:"data"`
}

// Query runs a bounded query_range call and returns entries in
// non-decreasing timestamp order.
func (l *Loki) Query(ctx context.Context, selector, level string, since, until time.Time, limit int) ([]Entry, error) {
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}

	expr := selector
	if level != "" {
		// Exact match beats regex here; Loki scans it far faster.
		expr = fmt.Sprintf("%s |= %q", selector, level)
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", expr)
	q.Set("start", strconv.FormatInt(since.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(until.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if lokiResp.Status != "success" {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	entries := flattenStreams(lokiResp.Data.Result, level, limit)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// flattenStreams merges per-stream value pairs into entries. Loki values
// are [ns-epoch, line]; an unparseable timestamp yields a zero Timestamp.
func flattenStreams(results []lokiStream, level string, limit int) []Entry {
	entries := make([]Entry, 0, limit)
	for _, stream := range results {
		for _, v := range stream.Values {
			if len(v) < 2 {
				continue
			}
			e := Entry{Level: level, Line: v[1]}
			if ns, err := strconv.ParseInt(v[0], 10, 64); err == nil {
				e.Timestamp = time.Unix(0, ns).UTC()
			}
			entries = append(entries, e)
			if len(entries) >= limit {
				return entries
			}
		}
	}
	return entries
}
