// Package server provides the HTTP surface of a courier node.
//
// # Peer Endpoints
//
//   - POST /inbox    - Receives a batch of signed envelopes (JSON array,
//     optionally gzip encoded). Every envelope is acknowledged individually.
//   - GET  /identity - The identity object of this node
//   - GET  /ws       - Live session of a client, upgraded to a websocket
//
// # Admin API (requires X-Admin-Key)
//
//   - POST /api/messages                        - Queue and send a message
//   - GET  /api/deliveries/{counterparty}        - Delivery error record
//   - POST /api/deliveries/{counterparty}/resume - Redeliver the backlog (?force=true unsticks first)
//   - POST /api/friends                         - Add a friend by domain
//   - GET  /api/seals                           - Pending seal watches
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/internal/config"
	"github.com/tradle/mycloud-sub005/internal/metrics"
	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/compression"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// IdentityHeader names the identity a live session is opened for
const IdentityHeader = "X-Identity"

// Messenger is the part of the engine the server drives
type Messenger interface {
	ReceiveMessage(ctx context.Context, msg *object.Message, opts engine.ReceiveOptions) (*object.Message, error)
	SendMessage(ctx context.Context, req engine.QueueRequest) (*object.Message, error)
	ResumeDelivery(ctx context.Context, counterparty string) (bool, error)
}

// DeliveryErrors exposes delivery error records
type DeliveryErrors interface {
	GetError(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error)
	Unstick(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error)
}

// Friends adds friends discovered by domain
type Friends interface {
	AddByDomain(ctx context.Context, domain, name string) (*delivery.Friend, error)
}

// Seals lists pending seal watches
type Seals interface {
	Pending(ctx context.Context, limit int) ([]*storage.Watch, error)
}

// LiveServer serves websocket sessions
type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, identity string)
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes
type Deps struct {
	Engine     Messenger
	Deliveries DeliveryErrors
	Friends    Friends
	Seals      Seals
	Live       LiveServer
	Health     Pinger
	// Identity is served at GET /identity
	Identity *object.Object
}

// Server is the courier HTTP server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpSrv    *http.Server
	deps       Deps
	compressor *compression.Compressor
}

// New creates a new server
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Identity == nil {
		return nil, fmt.Errorf("server requires an engine and an identity")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:     cfg,
		logger:     logger.Named("server"),
		deps:       deps,
		compressor: compression.NewCompressor().WithMaxSize(cfg.Server.MaxBodyBytes),
	}

	s.httpSrv = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("Starting server", zap.String("addr", addr), zap.Bool("tls", s.config.Server.TLS.Enabled))
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	origins := s.config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding", IdentityHeader, "X-Admin-Key"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.config.Metrics.Metrics.Enabled {
		r.Handle(s.config.Metrics.Metrics.Path, promhttp.Handler())
	}

	// Peer endpoints
	r.Post(transport.InboxPath, s.handleInbox)
	r.Get(transport.IdentityPath, s.handleIdentity)
	r.Get("/ws", s.handleWS)

	// Admin API
	r.Route("/api", func(r chi.Router) {
		r.Use(s.withAdmin)
		r.Post("/messages", s.handleSendMessage)
		r.Get("/deliveries/{counterparty}", s.handleGetDelivery)
		r.Post("/deliveries/{counterparty}/resume", s.handleResumeDelivery)
		r.Post("/friends", s.handleAddFriend)
		r.Get("/seals", s.handleListSeals)
	})

	return r
}

// Middleware

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An unset admin key disables the admin API
		apiKey := r.Header.Get("X-Admin-Key")
		if apiKey == "" || apiKey != s.config.Server.AdminKey {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Peer handlers

// InboxResponse is the answer to a POST /inbox
type InboxResponse struct {
	Acks []transport.Ack `json:"acks"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.logger.Debug("Unreadable inbox body", zap.Error(err))
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		s.jsonError(w, "expected a JSON array of messages", http.StatusBadRequest)
		return
	}

	resp := InboxResponse{Acks: make([]transport.Ack, 0, len(batch))}
	status := http.StatusOK
	for _, raw := range batch {
		ack := s.Receive(r.Context(), raw, "")
		if ack.Status == transport.AckRetry {
			status = http.StatusServiceUnavailable
		}
		resp.Acks = append(resp.Acks, ack)
	}

	s.logger.Info("Inbox batch processed", zap.Int("messages", len(batch)), zap.Int("status", status))
	s.jsonResponse(w, resp, status)
}

// readBody reads the request body, inflating it when gzip encoded
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(nil, r.Body, s.config.Server.MaxBodyBytes)
	if r.Header.Get("Content-Encoding") == compression.EncodingGzip {
		return s.compressor.DecompressReader(limited)
	}
	return io.ReadAll(limited)
}

// Receive decodes and receives one envelope and reports the outcome.
// It also serves as the inbound handler of live sessions.
func (s *Server) Receive(ctx context.Context, raw json.RawMessage, sessionIdentity string) transport.Ack {
	msg, err := object.DecodeMessage(raw)
	if err != nil {
		return transport.Ack{Status: transport.AckRejected, Error: err.Error()}
	}

	saved, err := s.deps.Engine.ReceiveMessage(ctx, msg, engine.ReceiveOptions{SessionIdentity: sessionIdentity})
	ack := transport.Ack{Status: transport.AckOK}
	if saved != nil {
		ack.Link = saved.Meta().Link
	}
	switch {
	case err == nil:
	case errs.IsDuplicate(err):
		ack.Status = transport.AckDuplicate
	case errs.IsValidation(err):
		ack.Status = transport.AckRejected
		ack.Error = err.Error()
	default:
		s.logger.Error("Failed to receive message", zap.String("author", msg.Author), zap.Int64("seq", msg.Seq), zap.Error(err))
		ack.Status = transport.AckRetry
		ack.Error = "temporarily unavailable"
	}
	return ack
}

// HandleLive adapts Receive to the live channel
func (s *Server) HandleLive(ctx context.Context, sess *transport.Session, raw json.RawMessage) transport.Ack {
	return s.Receive(ctx, raw, sess.Identity)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	data, err := object.Encode(s.deps.Identity)
	if err != nil {
		s.logger.Error("Failed to encode identity", zap.Error(err))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", transport.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		s.jsonError(w, "live sessions disabled", http.StatusNotImplemented)
		return
	}
	identity := r.Header.Get(IdentityHeader)
	if identity == "" {
		identity = r.URL.Query().Get("identity")
	}
	if identity == "" {
		s.jsonError(w, "identity required", http.StatusBadRequest)
		return
	}
	s.deps.Live.ServeWS(w, r, identity)
}

// Admin handlers

// SendMessageRequest is the body of POST /api/messages
type SendMessageRequest struct {
	Recipient string          `json:"recipient"`
	Object    json.RawMessage `json:"object,omitempty"`
	Link      string          `json:"link,omitempty"`
	Seal      *object.SealRef `json:"seal,omitempty"`
	Context   string          `json:"context,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		s.jsonError(w, "recipient is required", http.StatusBadRequest)
		return
	}

	qr := engine.QueueRequest{
		Recipient: req.Recipient,
		Link:      req.Link,
		Seal:      req.Seal,
		Context:   req.Context,
	}
	if len(req.Object) > 0 {
		obj, err := object.Decode(req.Object)
		if err != nil {
			s.jsonError(w, "invalid object", http.StatusBadRequest)
			return
		}
		qr.Object = obj
	}

	msg, err := s.deps.Engine.SendMessage(r.Context(), qr)
	if msg == nil {
		s.writeEngineError(w, err)
		return
	}

	resp := map[string]any{
		"link":      msg.Meta().Link,
		"seq":       msg.Seq,
		"recipient": msg.Recipient,
	}
	if err != nil {
		// Queued, but not delivered yet
		s.logger.Warn("Message queued without delivery", zap.String("recipient", msg.Recipient), zap.Error(err))
		resp["deliveryError"] = err.Error()
	}
	s.jsonResponse(w, resp, http.StatusAccepted)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	rec, err := s.deps.Deliveries.GetError(r.Context(), chi.URLParam(r, "counterparty"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, rec, http.StatusOK)
}

func (s *Server) handleResumeDelivery(w http.ResponseWriter, r *http.Request) {
	counterparty := chi.URLParam(r, "counterparty")
	if r.URL.Query().Get("force") == "true" {
		if _, err := s.deps.Deliveries.Unstick(r.Context(), counterparty); err != nil && !errs.IsNotFound(err) {
			s.writeEngineError(w, err)
			return
		}
	}
	resumed, err := s.deps.Engine.ResumeDelivery(r.Context(), counterparty)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"counterparty": counterparty, "resumed": resumed}, http.StatusOK)
}

// AddFriendRequest is the body of POST /api/friends
type AddFriendRequest struct {
	Domain string `json:"domain"`
	Name   string `json:"name,omitempty"`
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Friends == nil {
		s.jsonError(w, "friend discovery disabled", http.StatusNotImplemented)
		return
	}
	var req AddFriendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		s.jsonError(w, "domain is required", http.StatusBadRequest)
		return
	}

	friend, err := s.deps.Friends.AddByDomain(r.Context(), req.Domain, req.Name)
	if err != nil {
		s.logger.Warn("Failed to add friend", zap.String("domain", req.Domain), zap.Error(err))
		s.writeEngineError(w, err)
		return
	}
	s.jsonResponse(w, friend, http.StatusCreated)
}

func (s *Server) handleListSeals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seals == nil {
		s.jsonResponse(w, []*storage.Watch{}, http.StatusOK)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	watches, err := s.deps.Seals.Pending(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if watches == nil {
		watches = []*storage.Watch{}
	}
	s.jsonResponse(w, watches, http.StatusOK)
}

// Helper functions

// writeEngineError maps the error taxonomy onto HTTP statuses
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsDuplicate(err):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsRetryable(err):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonError(w, err.Error(), status)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
