package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

const fixNotesMaxTokens = 2000

const fixNotesSystem = `You are a senior software engineer analyzing production errors and creating fix instructions.

Your task is to:
1. Analyze the error details, stack trace, and context
2. Identify the root cause
3. Generate clear, actionable fix instructions
4. Provide implementation guidance

Output a structured markdown document an engineer can use to implement the fix.`

// FixNotes asks the model for structured fix guidance on an alert. The
// result goes into the proposed-fix section of the generated pull request.
func (c *Client) FixNotes(ctx context.Context, a *alert.Alert) (string, error) {
	return c.Complete(ctx, fixNotesSystem, fixNotesPrompt(a), fixNotesMaxTokens)
}

func fixNotesPrompt(a *alert.Alert) string {
	stack := a.StackTrace
	if stack == "" {
		stack = "No stack trace available"
	}
	extra := "None"
	if len(a.Context) > 0 {
		if b, err := json.MarshalIndent(a.Context, "", "  "); err == nil {
			extra = string(b)
		}
	}
	path := a.RequestPath
	if path == "" {
		path = "N/A"
	}

	var b strings.Builder
	b.WriteString("Analyze this production error and generate fix instructions:\n\n")
	b.WriteString("## Error Details\n")
	fmt.Fprintf(&b, "- **Service**: %s\n", a.ServiceName)
	fmt.Fprintf(&b, "- **Exception**: %s\n", a.ExceptionType)
	fmt.Fprintf(&b, "- **Message**: %s\n", a.ErrorMessage)
	fmt.Fprintf(&b, "- **Environment**: %s\n", a.Environment)
	fmt.Fprintf(&b, "- **Timestamp**: %s\n", a.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Alert**: %s\n\n", a.ID)
	fmt.Fprintf(&b, "## Stack Trace\n```\n%s\n```\n\n", stack)
	fmt.Fprintf(&b, "## Request Context\n- **Path**: %s\n\n", path)
	fmt.Fprintf(&b, "## Additional Context\n```json\n%s\n```\n\n", extra)
	b.WriteString("Generate a comprehensive fix prompt with:\n")
	b.WriteString("1. Root cause analysis\n")
	b.WriteString("2. Proposed solution\n")
	b.WriteString("3. Implementation steps\n")
	b.WriteString("4. Test cases to add\n")
	b.WriteString("5. Edge cases to consider")
	return b.String()
}
