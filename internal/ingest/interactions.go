package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/jinkies/internal/deploy"
	"github.com/linnemanlabs/jinkies/internal/dispatch"
	"github.com/linnemanlabs/jinkies/internal/tail"
)

// Discord interaction wire constants.
const (
	interactionPing      = 1
	interactionCommand   = 2
	interactionComponent = 3

	responsePong    = 1
	responseMessage = 4
)

type interactionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type interactionOption struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type interactionRequest struct {
	Type int `json:"type"`
	Data struct {
		Name     string              `json:"name"`
		CustomID string              `json:"custom_id"`
		Options  []interactionOption `json:"options"`
	} `json:"data"`
	ChannelID string `json:"channel_id"`
	Member    *struct {
		User *interactionUser `json:"user"`
	} `json:"member"`
	User *interactionUser `json:"user"`
}

func (ir *interactionRequest) actor() string {
	if ir.Member != nil && ir.Member.User != nil {
		return ir.Member.User.Username
	}
	if ir.User != nil {
		return ir.User.Username
	}
	return "unknown"
}

func (ir *interactionRequest) stringOption(name string) string {
	for _, o := range ir.Data.Options {
		if o.Name == name {
			if s, ok := o.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func (ir *interactionRequest) intOption(name string) int {
	for _, o := range ir.Data.Options {
		if o.Name == name {
			if f, ok := o.Value.(float64); ok {
				return int(f)
			}
		}
	}
	return 0
}

// handleInteraction answers messaging-platform callbacks: the liveness
// ping, alert action buttons, and the operational slash commands.
func (a *API) handleInteraction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction payload")
		return
	}

	switch req.Type {
	case interactionPing:
		respondJSON(w, map[string]any{"type": responsePong})
	case interactionComponent:
		a.handleComponent(w, r, &req)
	case interactionCommand:
		a.handleCommand(w, r, &req)
	default:
		writeError(w, http.StatusBadRequest, "unsupported interaction type")
	}
}

// handleComponent routes alert action buttons. custom_id carries
// "alert:<action>:<alert-id>".
func (a *API) handleComponent(w http.ResponseWriter, r *http.Request, req *interactionRequest) {
	parts := strings.SplitN(req.Data.CustomID, ":", 3)
	if len(parts) != 3 || parts[0] != "alert" {
		respondMessage(w, "❌ Unrecognized action.")
		return
	}

	act, err := dispatch.ParseAction(parts[1])
	if err != nil {
		respondMessage(w, "❌ Unrecognized action.")
		return
	}

	msg, err := a.dispatcher.HandleAction(r.Context(), act, parts[2], req.actor())
	if err != nil {
		a.logger.Error(r.Context(), err, "action failed", "action", string(act), "alert_ref", parts[2])
		respondMessage(w, fmt.Sprintf("❌ Action failed: %v", err))
		return
	}
	respondMessage(w, msg)
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request, req *interactionRequest) {
	switch req.Data.Name {
	case "deploy":
		a.commandDeploy(w, r, req)
	case "deploy-status":
		a.commandDeployStatus(w, r)
	case "logs-tail":
		a.commandLogsTail(w, req)
	case "logs-stop":
		a.commandLogsStop(w, req)
	default:
		respondMessage(w, fmt.Sprintf("❌ Unknown command: %s", req.Data.Name))
	}
}

func (a *API) commandDeploy(w http.ResponseWriter, r *http.Request, req *interactionRequest) {
	if a.deployer == nil {
		respondMessage(w, "❌ Deployments are not configured.")
		return
	}

	branch := req.stringOption("branch")
	if branch == "" {
		respondMessage(w, "❌ branch is required.")
		return
	}
	method := deploy.MethodDirect
	if req.stringOption("method") == string(deploy.MethodPlatformCI) {
		method = deploy.MethodPlatformCI
	}

	d, err := a.deployer.Deploy(r.Context(), branch, method, req.actor())
	switch {
	case errors.Is(err, deploy.ErrAlreadyRunning):
		respondMessage(w, "❌ A deployment is already in progress.")
	case err != nil:
		a.logger.Error(r.Context(), err, "triggering deployment", "branch", branch)
		respondMessage(w, fmt.Sprintf("❌ Failed to trigger deployment: %v", err))
	default:
		respondMessage(w, fmt.Sprintf("🚀 Deployment #%d started for `%s`.", d.ID, d.Branch))
	}
}

func (a *API) commandDeployStatus(w http.ResponseWriter, r *http.Request) {
	if a.deployer == nil {
		respondMessage(w, "❌ Deployments are not configured.")
		return
	}

	var b strings.Builder
	status, err := a.deployer.Status(r.Context())
	if err != nil {
		fmt.Fprintf(&b, "⚠️ Remote status unavailable: %v\n", err)
	} else {
		running := "stopped"
		if status.Running {
			running = "running"
		}
		fmt.Fprintf(&b, "**App process**: %s\n", running)
		if status.LastCommit != nil {
			fmt.Fprintf(&b, "**Deployed commit**: `%s` by %s, %s\n> %s\n",
				status.LastCommit.Hash, status.LastCommit.Author, status.LastCommit.Age, status.LastCommit.Message)
		}
	}

	recent, err := a.deployer.Recent(r.Context(), 3)
	if err == nil && len(recent) > 0 {
		b.WriteString("\n**Recent deployments**\n")
		for _, d := range recent {
			fmt.Fprintf(&b, "#%d `%s` %s by %s (%s)\n",
				d.ID, d.Branch, d.Status, d.TriggeredBy, d.StartedAt.Format(time.RFC3339))
		}
	}
	respondMessage(w, b.String())
}

func (a *API) commandLogsTail(w http.ResponseWriter, req *interactionRequest) {
	if a.tails == nil {
		respondMessage(w, "❌ Log tailing is not configured.")
		return
	}

	service := req.stringOption("service")
	if service == "" {
		respondMessage(w, "❌ service is required.")
		return
	}
	level := req.stringOption("level")
	duration := time.Duration(req.intOption("duration")) * time.Second

	err := a.tails.Start(req.ChannelID, service, level, duration)
	switch {
	case errors.Is(err, tail.ErrAlreadyTailing):
		respondMessage(w, fmt.Sprintf("❌ Already tailing **%s** in this channel. Use /logs-stop first.", service))
	case err != nil:
		respondMessage(w, fmt.Sprintf("❌ Failed to start tail: %v", err))
	default:
		respondMessage(w, fmt.Sprintf("✅ Started tailing **%s** logs. Use /logs-stop to stop.", service))
	}
}

func (a *API) commandLogsStop(w http.ResponseWriter, req *interactionRequest) {
	if a.tails == nil {
		respondMessage(w, "❌ Log tailing is not configured.")
		return
	}

	service := req.stringOption("service")
	err := a.tails.Stop(req.ChannelID, service)
	switch {
	case errors.Is(err, tail.ErrNotTailing):
		respondMessage(w, fmt.Sprintf("❌ Not currently tailing **%s** in this channel.", service))
	case err != nil:
		respondMessage(w, fmt.Sprintf("❌ Failed to stop tail: %v", err))
	default:
		respondMessage(w, fmt.Sprintf("✅ Stopped tailing **%s** logs.", service))
	}
}

func respondMessage(w http.ResponseWriter, content string) {
	respondJSON(w, map[string]any{
		"type": responseMessage,
		"data": map[string]any{"content": content},
	})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
