// Package server exposes the webhook endpoint, on-demand sync and the cached
// read API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/query"
	"github.com/wesm/github-issue-mirror/internal/sync"
)

// maxWebhookBodySize caps webhook payloads. Issue and label events are small.
const maxWebhookBodySize = 1 << 20

// Syncer runs an on-demand sync
type Syncer interface {
	Sync(ctx context.Context, tenant models.Tenant) (*sync.Result, error)
}

// WebhookHandler applies one webhook delivery
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signature, eventType string) error
}

// Reader answers list queries
type Reader interface {
	Issues(ctx context.Context, tenant models.Tenant, q query.IssueQuery) (*query.IssuePage, error)
	Labels(ctx context.Context, tenant models.Tenant) ([]*models.Label, error)
}

// History lists recent sync records
type History interface {
	History(ctx context.Context, tenant models.Tenant, limit int) ([]*models.SyncRecord, error)
}

// Config wires the server to its collaborators.
type Config struct {
	// Address is the TCP listen address, e.g. ":8080".
	Address string

	Syncer   Syncer
	Webhooks WebhookHandler
	Reader   Reader
	History  History

	// ShutdownTimeout bounds the wait for in-flight requests. Defaults to 10s.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front end of the mirror
type Server struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler
	ready   chan struct{}
	addr    net.Addr
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the server and its routes
func New(cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log, ready: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/github", s.handleWebhook)
	mux.HandleFunc("POST /api/repos/{owner}/{repo}/sync", s.handleSync)
	mux.HandleFunc("GET /api/repos/{owner}/{repo}/issues", s.handleIssues)
	mux.HandleFunc("GET /api/repos/{owner}/{repo}/labels", s.handleLabels)
	mux.HandleFunc("GET /api/repos/{owner}/{repo}/syncs", s.handleSyncs)
	s.handler = mux
	return s
}

// Handler returns the routes, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then drains in-flight
// requests for up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.log.Debug("webhook received",
		"event_type", eventType,
		"delivery_id", r.Header.Get("X-GitHub-Delivery"),
	)

	// a delivery that passed verification runs to completion even if GitHub hangs up
	ctx := context.WithoutCancel(r.Context())
	if err := s.cfg.Webhooks.Handle(ctx, body, r.Header.Get("X-Hub-Signature-256"), eventType); err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusUnauthorized {
			writeError(w, status, "invalid signature")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromPath(w, r)
	if !ok {
		return
	}

	res, err := s.cfg.Syncer.Sync(context.WithoutCancel(r.Context()), tenant)
	if err != nil {
		var rl *apperr.RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		}
		writeError(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromPath(w, r)
	if !ok {
		return
	}

	q := query.IssueQuery{State: strings.TrimSpace(r.URL.Query().Get("state"))}
	var err error
	if q.Page, err = intParam(r, "page"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.PerPage, err = intParam(r, "per_page"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.cfg.Reader.Issues(r.Context(), tenant, q)
	if err != nil {
		s.writeFailure(w, "list issues", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	labels, err := s.cfg.Reader.Labels(r.Context(), tenant)
	if err != nil {
		s.writeFailure(w, "list labels", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (s *Server) handleSyncs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.cfg.History.History(r.Context(), tenant, limit)
	if err != nil {
		s.writeFailure(w, "list syncs", tenant, err)
		return
	}
	if records == nil {
		records = []*models.SyncRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeFailure(w http.ResponseWriter, op string, tenant models.Tenant, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed", "tenant", tenant.String(), "error", err)
	}
	writeError(w, status, err.Error())
}

func tenantFromPath(w http.ResponseWriter, r *http.Request) (models.Tenant, bool) {
	tenant := models.Tenant{
		Owner: strings.TrimSpace(r.PathValue("owner")),
		Repo:  strings.TrimSpace(r.PathValue("repo")),
	}
	if !tenant.Valid() {
		writeError(w, http.StatusBadRequest, "owner and repo are required")
		return tenant, false
	}
	return tenant, true
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, errorResponse{Error: strings.TrimSpace(message)})
}
