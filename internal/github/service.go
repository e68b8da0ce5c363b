package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

const (
	stackTraceLines = 15
	relatedLogLines = 5
)

// ServiceConfig configures the action service.
type ServiceConfig struct {
	// BaseBranch is the default target for pull requests.
	BaseBranch string
	// WorkflowFile is the workflow dispatched for CI-driven deployments,
	// for example "deploy.yml".
	WorkflowFile string
}

// Service turns alerts into pull requests and issues and dispatches the
// deployment workflow. It performs no retries; callers see the API error.
type Service struct {
	client *Client
	cfg    ServiceConfig
	logger log.Logger
}

// NewService creates a Service on top of a repository-scoped client.
func NewService(client *Client, cfg ServiceConfig, logger log.Logger) *Service {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{client: client, cfg: cfg, logger: logger}
}

// BranchName returns the deterministic fix branch for an alert. Repeated
// actions on the same alert reuse the branch instead of forking new ones.
func BranchName(a *alert.Alert) string {
	return "fix/alert-" + a.ShortID()
}

// CreatePR creates a draft pull request for the alert and returns its URL.
// The fix branch is created from base when absent; an existing branch is
// reused. fixNotes, when non-empty, is included as a proposed-fix section.
func (s *Service) CreatePR(ctx context.Context, a *alert.Alert, base, fixNotes string) (string, error) {
	if base == "" {
		base = s.cfg.BaseBranch
	}
	branch := BranchName(a)

	if err := s.ensureBranch(ctx, branch, base); err != nil {
		return "", err
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err := s.client.do(ctx, http.MethodPost, s.client.repoPath("/pulls"), map[string]any{
		"title": fmt.Sprintf("Fix: %s in %s", a.ExceptionType, a.ServiceName),
		"body":  prBody(a, fixNotes),
		"base":  base,
		"head":  branch,
		"draft": true,
	}, &pr)
	if err != nil {
		return "", err
	}

	s.addLabels(ctx, pr.Number, a)
	return pr.HTMLURL, nil
}

// CreateIssue creates a tracking issue for the alert and returns its URL.
func (s *Service) CreateIssue(ctx context.Context, a *alert.Alert) (string, error) {
	var issue struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err := s.client.do(ctx, http.MethodPost, s.client.repoPath("/issues"), map[string]any{
		"title": issueTitle(a),
		"body":  issueBody(a),
	}, &issue)
	if err != nil {
		return "", err
	}

	s.addLabels(ctx, issue.Number, a)
	return issue.HTMLURL, nil
}

// DispatchWorkflow triggers the configured workflow on the given ref.
func (s *Service) DispatchWorkflow(ctx context.Context, ref string) error {
	if s.cfg.WorkflowFile == "" {
		return fmt.Errorf("github: no workflow file configured")
	}
	path := s.client.repoPath("/actions/workflows/" + s.cfg.WorkflowFile + "/dispatches")
	return s.client.do(ctx, http.MethodPost, path, map[string]any{"ref": ref}, nil)
}

// ensureBranch creates branch from base unless it already exists. GitHub
// answers 422 for a duplicate ref, which counts as success here.
func (s *Service) ensureBranch(ctx context.Context, branch, base string) error {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := s.client.do(ctx, http.MethodGet, s.client.repoPath("/git/ref/heads/"+base), nil, &ref)
	if err != nil {
		return fmt.Errorf("github: resolving base branch %q: %w", base, err)
	}

	err = s.client.do(ctx, http.MethodPost, s.client.repoPath("/git/refs"), map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return nil
	}
	return err
}

// addLabels labels a PR or issue. Missing labels are not an error worth
// failing the action over, so failures are only logged.
func (s *Service) addLabels(ctx context.Context, number int, a *alert.Alert) {
	labels := []string{"bug", "automated"}
	if a.Severity == alert.SeverityCritical {
		labels = append(labels, "critical")
	}
	path := s.client.repoPath(fmt.Sprintf("/issues/%d/labels", number))
	if err := s.client.do(ctx, http.MethodPost, path, map[string]any{"labels": labels}, nil); err != nil {
		s.logger.Error(ctx, err, "adding labels", "number", number)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func prBody(a *alert.Alert, fixNotes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Auto-generated PR from Alert %s\n\n", a.ShortID())
	fmt.Fprintf(&b, "### What Happened\nAn error was detected in **%s** environment.\n\n", orNA(a.Environment))
	b.WriteString("### Error Summary\n")
	fmt.Fprintf(&b, "- **Service**: %s\n", a.ServiceName)
	fmt.Fprintf(&b, "- **Exception**: %s\n", a.ExceptionType)
	fmt.Fprintf(&b, "- **Message**: %s\n", a.ErrorMessage)
	fmt.Fprintf(&b, "- **Endpoint**: %s\n", orNA(a.RequestPath))
	fmt.Fprintf(&b, "- **Timestamp**: %s\n", a.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Instance**: %s\n", orNA(a.InstanceID))
	fmt.Fprintf(&b, "- **Commit**: %s\n\n", orNA(a.CommitSHA))
	fmt.Fprintf(&b, "### Stack Trace\n```\n%s\n```\n\n", a.TrimmedStackTrace(stackTraceLines))
	b.WriteString("### Related Logs\n```\n")
	for _, line := range a.TrimmedLogs(relatedLogLines) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("```\n\n")
	b.WriteString("### Expected Behavior\nThe application should handle this case gracefully without throwing an exception.\n\n")
	b.WriteString("### Actual Behavior\nThe application encountered an unhandled exception.\n\n")
	if fixNotes != "" {
		fmt.Fprintf(&b, "### Proposed Fix\n%s\n\n", fixNotes)
	}
	b.WriteString("### Reproduction Steps\n")
	fmt.Fprintf(&b, "1. Monitor the endpoint: `%s`\n", orNA(a.RequestPath))
	b.WriteString("2. Review the stack trace above\n")
	b.WriteString("3. Check the related log lines in the log backend\n\n")
	b.WriteString("### Alert Reference\n")
	fmt.Fprintf(&b, "- **Alert ID**: `%s`\n", a.ID)
	fmt.Fprintf(&b, "- **Environment**: `%s`\n\n", orNA(a.Environment))
	b.WriteString("---\n*This PR was automatically generated by the Jinkies monitoring bot.*\n")
	return b.String()
}

func issueTitle(a *alert.Alert) string {
	msg := a.ErrorMessage
	if len(msg) > 50 {
		msg = msg[:50]
	}
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.ExceptionType, msg)
}

func issueBody(a *alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Error Report (Alert %s)\n\n", a.ShortID())
	b.WriteString("### Environment\n")
	fmt.Fprintf(&b, "- **Service**: %s\n", a.ServiceName)
	fmt.Fprintf(&b, "- **Environment**: %s\n", orNA(a.Environment))
	fmt.Fprintf(&b, "- **Timestamp**: %s\n", a.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Severity**: %s\n\n", a.Severity)
	b.WriteString("### Error Details\n")
	fmt.Fprintf(&b, "**Exception Type**: %s\n\n", a.ExceptionType)
	fmt.Fprintf(&b, "**Error Message**:\n```\n%s\n```\n\n", a.ErrorMessage)
	fmt.Fprintf(&b, "**Request Path**: %s\n\n", orNA(a.RequestPath))
	fmt.Fprintf(&b, "**Instance ID**: %s\n\n", orNA(a.InstanceID))
	fmt.Fprintf(&b, "**Commit SHA**: %s\n\n", orNA(a.CommitSHA))
	fmt.Fprintf(&b, "### Stack Trace\n```\n%s\n```\n\n", a.TrimmedStackTrace(stackTraceLines))
	b.WriteString("### Related Logs\n```\n")
	for _, line := range a.TrimmedLogs(relatedLogLines) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("```\n\n")
	fmt.Fprintf(&b, "### Alert ID\n`%s`\n\n", a.ID)
	b.WriteString("---\n*This issue was automatically created by the Jinkies monitoring bot.*\n")
	return b.String()
}
