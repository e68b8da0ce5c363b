package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/jinkies/internal/alert"
)

// Embed colors by severity.
const (
	colorBlue    = 0x3498db
	colorGold    = 0xf1c40f
	colorRed     = 0xe74c3c
	colorDarkRed = 0x992d22
	colorGreen   = 0x2ecc71
)

// Embed is a Discord rich embed.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is one name/value pair in an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter is the embed footer line.
type EmbedFooter struct {
	Text string `json:"text"`
}

// ActionRow is a row of message components.
type ActionRow struct {
	Type       int      `json:"type"` // always 1
	Components []Button `json:"components"`
}

// Button is an interactive message button. CustomID round-trips through
// the interactions endpoint to identify the requested action.
type Button struct {
	Type     int    `json:"type"` // always 2
	Style    int    `json:"style"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

// Button styles.
const (
	StylePrimary   = 1
	StyleSecondary = 2
	StyleSuccess   = 3
)

func severityColor(s alert.Severity) int {
	switch s {
	case alert.SeverityInfo:
		return colorBlue
	case alert.SeverityWarning:
		return colorGold
	case alert.SeverityCritical:
		return colorDarkRed
	default:
		return colorRed
	}
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.SeverityInfo:
		return "ℹ️"
	case alert.SeverityWarning:
		return "⚠️"
	case alert.SeverityCritical:
		return "\U0001f525"
	default:
		return "\U0001f6a8"
	}
}

// AlertEmbed renders an alert for the alert channel.
func AlertEmbed(a *alert.Alert) *Embed {
	e := &Embed{
		Title: fmt.Sprintf("%s %s %s ERROR",
			severityEmoji(a.Severity),
			strings.ToUpper(a.Environment),
			strings.ToUpper(a.ServiceName)),
		Description: fmt.Sprintf("**%s**: %s", a.ExceptionType, truncate(a.ErrorMessage, 200)),
		Color:       severityColor(a.Severity),
		Timestamp:   a.OccurredAt.UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: "Alert ID: " + a.ID},
	}

	e.Fields = append(e.Fields,
		EmbedField{Name: "Alert ID", Value: "`" + a.ShortID() + "`", Inline: true},
		EmbedField{Name: "Severity", Value: string(a.Severity), Inline: true},
		EmbedField{Name: "Service", Value: a.ServiceName, Inline: true},
	)
	if a.RequestPath != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "Endpoint", Value: "`" + a.RequestPath + "`"})
	}
	if a.InstanceID != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "Instance", Value: a.InstanceID, Inline: true})
	}
	if a.CommitSHA != "" {
		sha := a.CommitSHA
		if len(sha) > 8 {
			sha = sha[:8]
		}
		e.Fields = append(e.Fields, EmbedField{Name: "Commit", Value: "`" + sha + "`", Inline: true})
	}
	if a.StackTrace != "" {
		e.Fields = append(e.Fields, EmbedField{
			Name:  "Stack Trace",
			Value: "```\n" + truncate(a.TrimmedStackTrace(10), 1000) + "\n```",
		})
	}
	if a.Acknowledged {
		e.Fields = append(e.Fields, EmbedField{
			Name:  "Status",
			Value: "✅ Acknowledged by " + a.AcknowledgedBy,
		})
	}
	if a.PRURL != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "GitHub PR", Value: a.PRURL})
	}
	if a.IssueURL != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "GitHub Issue", Value: a.IssueURL})
	}
	return e
}

// AlertActions returns the action buttons attached to a posted alert.
// Custom IDs follow the `alert:<action>:<id>` shape the interactions
// endpoint decodes.
func AlertActions(alertID string) ActionRow {
	return ActionRow{
		Type: 1,
		Components: []Button{
			{Type: 2, Style: StylePrimary, Label: "Create PR", CustomID: "alert:create_pr:" + alertID},
			{Type: 2, Style: StylePrimary, Label: "Create PR + Assist", CustomID: "alert:create_pr_assist:" + alertID},
			{Type: 2, Style: StyleSecondary, Label: "Create Issue", CustomID: "alert:create_issue:" + alertID},
			{Type: 2, Style: StyleSuccess, Label: "Acknowledge", CustomID: "alert:acknowledge:" + alertID},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
