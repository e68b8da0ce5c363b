// Package alert defines the alert record and its persistence contract.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity classifies how bad an alert is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps a reported severity string onto the closed set,
// defaulting to ERROR for anything unknown or empty.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo
	case SeverityWarning:
		return SeverityWarning
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Alert is one reported application error. The internal ID is unique and
// immutable; ExternalID is the id of the originating event and may repeat
// across records (one record per occurrence).
type Alert struct {
	ID            string         `json:"alert_id"`
	ExternalID    string         `json:"external_id,omitempty"`
	ServiceName   string         `json:"service_name"`
	ExceptionType string         `json:"exception_type"`
	ErrorMessage  string         `json:"error_message"`
	Severity      Severity       `json:"severity"`
	StackTrace    string         `json:"stack_trace,omitempty"`
	RelatedLogs   []string       `json:"related_logs,omitempty"`
	RequestPath   string         `json:"request_path,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	InstanceID    string         `json:"instance_id,omitempty"`
	CommitSHA     string         `json:"commit_sha,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ReceivedAt    time.Time      `json:"received_at"`

	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`

	PRURL    string `json:"github_pr_url,omitempty"`
	IssueURL string `json:"github_issue_url,omitempty"`

	Context map[string]any `json:"additional_context,omitempty"`
}

// NewID returns a fresh alert ID.
func NewID() string {
	return ulid.Make().String()
}

// ShortID returns the display form of the alert ID.
func (a *Alert) ShortID() string {
	if len(a.ID) <= 8 {
		return a.ID
	}
	return a.ID[:8]
}

// TrimmedStackTrace returns at most maxLines lines of the stack trace,
// with a marker noting how many lines were dropped.
func (a *Alert) TrimmedStackTrace(maxLines int) string {
	if a.StackTrace == "" || maxLines <= 0 {
		return ""
	}
	lines := strings.Split(a.StackTrace, "\n")
	if len(lines) <= maxLines {
		return a.StackTrace
	}
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}

// TrimmedLogs returns at most max related log lines.
func (a *Alert) TrimmedLogs(max int) []string {
	if max <= 0 || len(a.RelatedLogs) <= max {
		return a.RelatedLogs
	}
	return a.RelatedLogs[:max]
}
