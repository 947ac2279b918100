package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/schedule"
)

// Route paths served by Server.
const (
	TwilioStatusPath = "/webhooks/twilio/status"
	RunPath          = "/runs/contact-scheduling"
	HealthPath       = "/health"
)

// Runner executes a contact scheduling run.
type Runner interface {
	Execute(ctx context.Context, scope schedule.Scope) (int, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves transport callbacks and operational endpoints.
type Server struct {
	run     Runner
	webhook http.Handler
	db      Pinger
	now     func() time.Time
}

// NewServer creates a Server. webhook receives Twilio status callbacks.
func NewServer(run Runner, webhook http.Handler, db Pinger) *Server {
	return &Server{run: run, webhook: webhook, db: db, now: time.Now}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(TwilioStatusPath, s.webhook)
	mux.HandleFunc(RunPath, s.runHandler)
	mux.HandleFunc(HealthPath, s.healthHandler)
	return mux
}

type runRequest struct {
	ReferralID string `json:"referral_id"`
}

type runResult struct {
	Scheduled  int        `json:"scheduled"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// runHandler triggers a contact scheduling run (POST /runs/contact-scheduling).
// An optional JSON body {"referral_id": "..."} scopes the run to one referral.
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.runHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	n, err := s.run.Execute(r.Context(), schedule.Scope{ReferralID: req.ReferralID})
	if err != nil {
		var busy *runlock.AlreadyRunningError
		if errors.As(err, &busy) {
			slog.Info("Server.runHandler: run already in progress", "retryAfter", busy.RetryAfter)
			w.Header().Set("Retry-After", busy.RetryAfter.UTC().Format(http.TimeFormat))
			resp := models.Busy(err.Error())
			retryAfter := busy.RetryAfter.UTC()
			resp.Result = runResult{RetryAfter: &retryAfter}
			writeJSONResponse(w, http.StatusConflict, resp)
			return
		}
		slog.Error("Server.runHandler: run failed", "referralID", req.ReferralID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Contact scheduling run failed"))
		return
	}
	slog.Info("Server.runHandler: run finished", "referralID", req.ReferralID, "scheduled", n)
	writeJSONResponse(w, http.StatusOK, models.Success(runResult{Scheduled: n}))
}

// healthHandler reports liveness and database reachability (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			slog.Warn("Server.healthHandler: database ping failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Database unreachable"
			statusCode = http.StatusServiceUnavailable
		}
	}
	writeJSONResponse(w, statusCode, healthData)
}
