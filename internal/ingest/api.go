// Package ingest exposes the HTTP surface: alert ingestion, health, and
// messaging-platform interaction callbacks.
package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/jinkies/internal/alert"
	"github.com/linnemanlabs/jinkies/internal/deploy"
	"github.com/linnemanlabs/jinkies/internal/dispatch"
)

const maxBodyBytes = 1 << 20

// ActionDispatcher handles notification and operator actions.
type ActionDispatcher interface {
	Notify(ctx context.Context, a *alert.Alert)
	HandleAction(ctx context.Context, act dispatch.Action, alertRef, actor string) (string, error)
}

// Deployer triggers and inspects deployments.
type Deployer interface {
	Deploy(ctx context.Context, branch string, method deploy.Method, actor string) (*deploy.Deployment, error)
	Status(ctx context.Context) (*deploy.RemoteStatus, error)
	Recent(ctx context.Context, limit int) ([]*deploy.Deployment, error)
}

// TailManager controls log tail sessions.
type TailManager interface {
	Start(channelID, service, level string, duration time.Duration) error
	Stop(channelID, service string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	store      alert.Store
	dispatcher ActionDispatcher
	deployer   Deployer
	tails      TailManager
	metrics    *dispatch.Metrics
}

// New creates the API. deployer and tails may be nil when the deployment
// subsystem is disabled; dispatcher and store are required.
func New(logger log.Logger, store alert.Store, dispatcher ActionDispatcher, deployer Deployer, tails TailManager, metrics *dispatch.Metrics) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if dispatcher == nil {
		panic(xerrors.New("dispatcher is required"))
	}
	return &API{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		deployer:   deployer,
		tails:      tails,
		metrics:    metrics,
	}
}

// RegisterRoutes attaches API endpoints to the router. ingestAuth wraps
// the alert endpoint, interactionAuth wraps the interactions endpoint
// with signature verification; either may be nil.
func (a *API) RegisterRoutes(r chi.Router, ingestAuth, interactionAuth func(http.Handler) http.Handler) {
	r.Get("/health", a.handleHealth)
	if ingestAuth != nil {
		r.With(ingestAuth).Post("/alert", a.handleIngestAlert)
	} else {
		r.Post("/alert", a.handleIngestAlert)
	}
	if interactionAuth != nil {
		r.With(interactionAuth).Post("/interactions", a.handleInteraction)
	} else {
		r.Post("/interactions", a.handleInteraction)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "jinkies",
	})
}

type ingestRequest struct {
	ServiceName   string         `json:"service_name"`
	ExceptionType string         `json:"exception_type"`
	ErrorMessage  string         `json:"error_message"`
	Severity      string         `json:"severity"`
	StackTrace    string         `json:"stack_trace"`
	RelatedLogs   []string       `json:"related_logs"`
	RequestPath   string         `json:"request_path"`
	Environment   string         `json:"environment"`
	InstanceID    string         `json:"instance_id"`
	CommitSHA     string         `json:"commit_sha"`
	ExternalID    string         `json:"external_id"`
	Timestamp     string         `json:"timestamp"`
	Context       map[string]any `json:"additional_context"`
}

// handleIngestAlert persists the alert and acknowledges the caller before
// notification happens. Durability and delivery are deliberately
// decoupled; a dead messaging channel must not lose alerts.
func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.ServiceName) == "" {
		writeError(w, http.StatusBadRequest, "service_name is required")
		return
	}
	if strings.TrimSpace(req.ExceptionType) == "" {
		writeError(w, http.StatusBadRequest, "exception_type is required")
		return
	}

	now := time.Now().UTC()
	occurred := now
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			occurred = ts
		}
	}

	al := &alert.Alert{
		ID:            alert.NewID(),
		ExternalID:    req.ExternalID,
		ServiceName:   req.ServiceName,
		ExceptionType: req.ExceptionType,
		ErrorMessage:  req.ErrorMessage,
		Severity:      alert.ParseSeverity(req.Severity),
		StackTrace:    req.StackTrace,
		RelatedLogs:   req.RelatedLogs,
		RequestPath:   req.RequestPath,
		Environment:   req.Environment,
		InstanceID:    req.InstanceID,
		CommitSHA:     req.CommitSHA,
		OccurredAt:    occurred,
		ReceivedAt:    now,
		Context:       req.Context,
	}

	if err := a.store.Save(r.Context(), al); err != nil {
		a.logger.Error(r.Context(), err, "saving ingested alert", "alert_id", al.ID)
		writeError(w, http.StatusInternalServerError, "failed to persist alert")
		return
	}

	a.metrics.Ingested(string(al.Severity))
	a.dispatcher.Notify(r.Context(), al)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   "success",
		"alert_id": al.ID,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": msg,
	})
}
