package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/quorum"
	"DeltaKV/internal/state"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// Backend runs replicated operations for the API.
type Backend interface {
	Self() string
	Update(ctx context.Context, key string, empty crdt.DeltaReplicatedData, fn state.UpdateFunc, c quorum.Consistency, durable bool) (aggregation.WriteResult, error)
	Read(ctx context.Context, key string, c quorum.Consistency) (aggregation.ReadResult, error)
}

// Defaults apply to requests that leave an option out.
type Defaults struct {
	Consistency string        // Consistency is the level name, see quorum.ParseConsistency
	Timeout     time.Duration // Timeout is the operation deadline
	Durable     bool          // Durable requests stable storage on writes
}

// Server is the HTTP API server.
type Server struct {
	addr     string                 // addr is the HTTP listen address
	backend  Backend                // backend runs replicated operations
	members  *membership.Membership // members is reported by /status, may be nil
	metrics  *metrics.Metrics       // metrics is served on /metrics, may be nil
	defaults Defaults               // defaults fill omitted request options
	server   *http.Server           // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, backend Backend, members *membership.Membership, m *metrics.Metrics, defaults Defaults) *Server {
	return &Server{
		addr:     addr,
		backend:  backend,
		members:  members,
		metrics:  m,
		defaults: defaults,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/sets/{key}", s.handleAddToSet)
	r.Get("/sets/{key}", s.handleGetSet)
	r.Post("/counters/{key}", s.handleIncrement)
	r.Get("/counters/{key}", s.handleGetCounter)

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// options are the per-request settings shared by every endpoint.
type options struct {
	Consistency string `json:"consistency"`
	Timeout     string `json:"timeout"`
	Durable     *bool  `json:"durable"`
}

// setRequest is the body of POST /sets/{key}.
type setRequest struct {
	options
	Elements []string `json:"elements"`
}

// counterRequest is the body of POST /counters/{key}.
type counterRequest struct {
	options
	Amount uint64 `json:"amount"`
}

// writeResponse reports a completed write.
type writeResponse struct {
	Key      string `json:"key"`
	Acks     int    `json:"acks"`
	Required int    `json:"required"`
}

// setResponse reports the value of a set.
type setResponse struct {
	Key      string            `json:"key"`
	Elements []string          `json:"elements"`
	Versions map[string]uint64 `json:"versions"`
	Replies  int               `json:"replies"`
}

// counterResponse reports the value of a counter.
type counterResponse struct {
	Key      string            `json:"key"`
	Value    uint64            `json:"value"`
	Versions map[string]uint64 `json:"versions"`
	Replies  int               `json:"replies"`
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	reachable, unreachable := s.members.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"self":        s.members.Self(),
		"members":     s.members.Members(),
		"reachable":   reachable,
		"unreachable": unreachable,
	})
}

// handleAddToSet handles POST /sets/{key} requests.
func (s *Server) handleAddToSet(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	var req setRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Elements) == 0 {
		writeError(w, http.StatusBadRequest, "no elements")
		return
	}

	c, durable, err := s.resolve(req.options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	add := func(cur crdt.DeltaReplicatedData) (crdt.DeltaReplicatedData, error) {
		return cur.(*crdt.GSet).Add(req.Elements...), nil
	}

	res, err := s.backend.Update(r.Context(), key, crdt.NewGSet(), add, c, durable)
	s.writeResult(w, key, res, err)
}

// handleIncrement handles POST /counters/{key} requests.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	var req counterRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	c, durable, err := s.resolve(req.options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	self := s.backend.Self()
	inc := func(cur crdt.DeltaReplicatedData) (crdt.DeltaReplicatedData, error) {
		return cur.(*crdt.GCounter).Increment(self, req.Amount), nil
	}

	res, err := s.backend.Update(r.Context(), key, crdt.NewGCounter(), inc, c, durable)
	s.writeResult(w, key, res, err)
}

// handleGetSet handles GET /sets/{key} requests.
func (s *Server) handleGetSet(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	env, replies, ok := s.read(w, r, key)
	if !ok {
		return
	}

	set, isSet := env.Data.(*crdt.GSet)
	if !isSet {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s holds a %s", key, env.Data.Type()))
		return
	}

	writeJSON(w, http.StatusOK, setResponse{
		Key:      key,
		Elements: set.Elements(),
		Versions: env.Versions,
		Replies:  replies,
	})
}

// handleGetCounter handles GET /counters/{key} requests.
func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	env, replies, ok := s.read(w, r, key)
	if !ok {
		return
	}

	counter, isCounter := env.Data.(*crdt.GCounter)
	if !isCounter {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s holds a %s", key, env.Data.Type()))
		return
	}

	writeJSON(w, http.StatusOK, counterResponse{
		Key:      key,
		Value:    counter.Value(),
		Versions: env.Versions,
		Replies:  replies,
	})
}

// read runs a replicated read using query options and writes the error
// response when it does not produce a value.
func (s *Server) read(w http.ResponseWriter, r *http.Request, key string) (*envelope.Envelope, int, bool) {
	q := r.URL.Query()

	c, _, err := s.resolve(options{
		Consistency: q.Get("consistency"),
		Timeout:     q.Get("timeout"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}

	res, err := s.backend.Read(r.Context(), key, c)
	if err != nil {
		writeFailure(w, err)
		return nil, 0, false
	}

	if res.Status != aggregation.StatusSuccess {
		writeError(w, statusCode(res.Status), fmt.Sprintf("read %s: %s", key, res.Status))
		return nil, 0, false
	}

	if res.Envelope == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", key))
		return nil, 0, false
	}

	return res.Envelope, res.Replies, true
}

// keyParam returns the unescaped {key} path parameter.
func keyParam(r *http.Request) string {
	key := chi.URLParam(r, "key")

	if k, err := url.PathUnescape(key); err == nil {
		return k
	}

	return key
}

// resolve fills omitted options from the server defaults.
func (s *Server) resolve(o options) (quorum.Consistency, bool, error) {
	level := o.Consistency
	if level == "" {
		level = s.defaults.Consistency
	}

	timeout := s.defaults.Timeout

	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return quorum.Consistency{}, false, fmt.Errorf("invalid timeout %q", o.Timeout)
		}
		timeout = d
	}

	c, err := quorum.ParseConsistency(level, timeout)
	if err != nil {
		return quorum.Consistency{}, false, err
	}

	durable := s.defaults.Durable
	if o.Durable != nil {
		durable = *o.Durable
	}

	return c, durable, nil
}

// writeResult writes the response for a replicated write.
func (s *Server) writeResult(w http.ResponseWriter, key string, res aggregation.WriteResult, err error) {
	if err != nil {
		writeFailure(w, err)
		return
	}

	if res.Status != aggregation.StatusSuccess {
		writeError(w, statusCode(res.Status), fmt.Sprintf("write %s: %s (%d/%d acks)", key, res.Status, res.Acks, res.Required))
		return
	}

	writeJSON(w, http.StatusOK, writeResponse{
		Key:      key,
		Acks:     res.Acks,
		Required: res.Required,
	})
}

// statusCode maps an unsuccessful aggregation outcome to an HTTP status.
func statusCode(st aggregation.Status) int {
	if st == aggregation.StatusTimeout {
		return http.StatusGatewayTimeout
	}

	return http.StatusInternalServerError
}

// writeFailure writes the response for an operation that did not run.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quorum.ErrInsufficientReplicas):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, crdt.ErrTypeMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logger.Warn("api operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readJSON decodes a bounded request body into v.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body")
	}

	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %v", err)
	}

	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
