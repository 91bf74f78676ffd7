// Package api exposes the operational HTTP surface: message
// submission and status, suppression management, reputation reports,
// queue controls, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernandinhomartins40/urbansend/internal/delivery"
	"github.com/fernandinhomartins40/urbansend/internal/engine"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/reputation"
	"github.com/fernandinhomartins40/urbansend/internal/store"
	"github.com/fernandinhomartins40/urbansend/internal/suppression"
	"github.com/fernandinhomartins40/urbansend/internal/tenant"
)

// Config holds the API listener settings.
type Config struct {
	ListenAddr string
}

// Server is the ops HTTP server.
type Server struct {
	config      Config
	engine      *engine.Engine
	queue       *queue.Manager
	suppression *suppression.Service
	reputation  *reputation.Service
	resolver    *delivery.Resolver
	store       store.Store
	httpServer  *http.Server
	logger      *slog.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	Engine      *engine.Engine
	Queue       *queue.Manager
	Suppression *suppression.Service
	Reputation  *reputation.Service
	Resolver    *delivery.Resolver
	Store       store.Store
}

// NewServer creates the ops API server.
func NewServer(config Config, deps Deps) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8825"
	}
	return &Server{
		config:      config,
		engine:      deps.Engine,
		queue:       deps.Queue,
		suppression: deps.Suppression,
		reputation:  deps.Reputation,
		resolver:    deps.Resolver,
		store:       deps.Store,
		logger:      slog.Default().With("component", "api"),
	}
}

// Router builds the route table. Exposed separately so tests can drive
// handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/messages", s.handleSubmit).Methods("POST")
	api.HandleFunc("/messages/{id}", s.handleMessageStatus).Methods("GET")

	api.HandleFunc("/tenants/{tenant}/suppressions", s.handleListSuppressions).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/suppressions", s.handleAddSuppression).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/suppressions/{address}", s.handleDeleteSuppression).Methods("DELETE")

	api.HandleFunc("/tenants/{tenant}/reputation", s.handleReputation).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/queue", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/tenants/{tenant}/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/tenants/{tenant}/resume", s.handleResume).Methods("POST")

	api.HandleFunc("/complaints", s.handleComplaint).Methods("POST")
	api.HandleFunc("/bounces", s.handleBounce).Methods("POST")

	api.HandleFunc("/delivery/mx-cache", s.handleMXCacheStats).Methods("GET")

	return r
}

// Start begins serving and blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("API server listening", "addr", s.config.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type submitPayload struct {
	TenantID  string              `json:"tenant_id"`
	MessageID string              `json:"message_id,omitempty"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body"`
	Priority  int                 `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p submitPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.TenantID == "" || p.From == "" || p.To == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, from and to are required")
		return
	}

	msg, err := s.engine.Submit(r.Context(), &engine.SubmitRequest{
		TenantID:  p.TenantID,
		MessageID: p.MessageID,
		From:      p.From,
		Recipient: p.To,
		Headers:   p.Headers,
		Body:      []byte(p.Body),
		Priority:  queue.Priority(p.Priority),
	})
	if err != nil {
		var mismatch *engine.TenantMismatchError
		switch {
		case errors.As(err, &mismatch):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, engine.ErrSuppressed):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, tenant.ErrUnknownTenant):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id": msg.ID,
		"status":     msg.Status,
	})
}

func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.engine.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.suppression.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"entries":   entries,
	})
}

type suppressionPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var p suppressionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := s.suppression.Record(r.Context(), tenantID, p.Address, suppression.TypeManual, p.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "suppressed"})
}

func (s *Server) handleDeleteSuppression(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.suppression.Remove(r.Context(), vars["tenant"], vars["address"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "suppression not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	report, err := s.reputation.Report(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	stats, err := s.queue.TenantStats(r.Context(), tenantID, queue.ClassEmail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"stats":     stats,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := s.engine.PauseTenant(r.Context(), tenantID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Tenant paused via API", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := s.engine.ResumeTenant(r.Context(), tenantID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Tenant resumed via API", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type complaintPayload struct {
	TenantID string `json:"tenant_id"`
	Address  string `json:"address"`
	Source   string `json:"source"`
}

func (s *Server) handleComplaint(w http.ResponseWriter, r *http.Request) {
	var p complaintPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.TenantID == "" || p.Address == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and address are required")
		return
	}

	if err := s.engine.RecordComplaint(r.Context(), p.TenantID, p.Address, p.Source); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type bouncePayload struct {
	ReturnPath string `json:"return_path"`
	Code       int    `json:"code"`
	Text       string `json:"text"`
}

func (s *Server) handleBounce(w http.ResponseWriter, r *http.Request) {
	var p bouncePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := s.engine.IngestBounce(r.Context(), p.ReturnPath, p.Code, p.Text)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrBadReturnPath):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleMXCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "queue": "ok"}
	healthy := true

	if _, err := s.store.GetMessage(r.Context(), "healthcheck-probe"); err != nil && !errors.Is(err, store.ErrNotFound) {
		checks["store"] = err.Error()
		healthy = false
	}
	if _, err := s.queue.Tenants(r.Context()); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}

	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
