// Package gateway exposes an Engine over HTTP: websocket subscriptions, a
// publish endpoint, membership administration and operational endpoints.
//
// Caller identity is taken from the X-Owner-ID header or the owner query
// parameter. Authentication is left to a proxy in front of the gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/fanout"
	"github.com/arloliu/fanout/internal/logging"
	"github.com/arloliu/fanout/transport/ws"
)

// OwnerHeader carries the caller's owner ID.
const OwnerHeader = "X-Owner-ID"

// Engine is the part of *fanout.Engine the gateway drives.
type Engine interface {
	Connect(ctx context.Context, channel, owner string, handle fanout.Transport) error
	Detach(ctx context.Context, handle fanout.Transport) error
	Unsubscribe(ctx context.Context, channel, owner string) error
	Disconnect(ctx context.Context, owner string) error
	Publish(ctx context.Context, sender, channel, payload string) (fanout.PublishResult, error)
	RosterMembers(ctx context.Context, channel string) ([]fanout.RosterEntry, error)
	ActiveListeners() []string
	ListenerState(channel string) (fanout.ListenerState, bool)
	WorkerID() string
	LocalConnections() int
	DeferredForwards() int
}

var _ Engine = (*fanout.Engine)(nil)

// Config configures the gateway.
type Config struct {
	// WebSocket configures upgraded connections.
	WebSocket ws.Config

	// MaxPayloadSize bounds the body of a publish request.
	MaxPayloadSize int64

	// RequestTimeout bounds engine calls made for a single request.
	RequestTimeout time.Duration

	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine Engine
	cfg    Config
	logger fanout.Logger
	router *httprouter.Router

	// ctx ends every websocket read loop on Close.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a gateway for engine. logger may be nil.
func New(engine Engine, cfg Config, logger fanout.Logger) *Server {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = 64 * 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		router: httprouter.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.GET("/ws/:channel", s.handleSubscribe)
	s.router.POST("/channels/:channel/messages", s.handlePublish)
	s.router.GET("/channels/:channel/members", s.handleMembers)
	s.router.DELETE("/channels/:channel/members/:owner", s.handleUnsubscribe)
	s.router.DELETE("/owners/:owner", s.handleDisconnect)
	s.router.GET("/listeners", s.handleListeners)
	s.router.GET("/healthz", s.handleHealth)

	if s.cfg.Gatherer != nil {
		s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every websocket connection and waits until they are detached
// or ctx expires. http.Server.Shutdown does not track hijacked connections,
// so call Close alongside it.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	channel := ps.ByName("channel")
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, fanout.ErrInvalidOwner)
		return
	}
	if !s.track() {
		writeError(w, http.StatusServiceUnavailable, fanout.ErrEngineStopped)
		return
	}
	defer s.wg.Done()

	conn, err := ws.Upgrade(w, r, s.cfg.WebSocket)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "channel", channel, "owner", owner, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	err = s.engine.Connect(ctx, channel, owner, conn)
	cancel()
	if err != nil {
		s.logger.Warn("connect failed", "channel", channel, "owner", owner, "error", err)
		_ = conn.Close()

		return
	}
	s.logger.Debug("websocket attached", "channel", channel, "owner", owner)

	err = conn.ReadLoop(s.ctx, func(ctx context.Context, message string) {
		if _, perr := s.engine.Publish(ctx, owner, channel, message); perr != nil {
			s.logger.Warn("publish from websocket failed", "channel", channel, "owner", owner, "error", perr)
		}
	})
	if err != nil && !errors.Is(err, ws.ErrDisconnected) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("websocket read ended", "channel", channel, "owner", owner, "error", err)
	}

	detachCtx, detachCancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer detachCancel()
	if derr := s.engine.Detach(detachCtx, conn); derr != nil {
		s.logger.Warn("detach failed", "channel", channel, "owner", owner, "error", derr)
	}
	_ = conn.Close()
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.wg.Add(1)

	return true
}

type publishResponse struct {
	Local     int `json:"local"`
	Forwarded int `json:"forwarded"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.engine.Publish(ctx, ownerOf(r), ps.ByName("channel"), string(body))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{
		Local:     res.Local,
		Forwarded: res.Forwarded,
		Deferred:  res.Deferred,
		Failed:    res.Failed,
	})
}

type membersResponse struct {
	Channel string               `json:"channel"`
	Members []fanout.RosterEntry `json:"members"`
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	channel := ps.ByName("channel")
	members, err := s.engine.RosterMembers(ctx, channel)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	writeJSON(w, http.StatusOK, membersResponse{Channel: channel, Members: members})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.engine.Unsubscribe(ctx, ps.ByName("channel"), ps.ByName("owner")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.engine.Disconnect(ctx, ps.ByName("owner")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type listenerInfo struct {
	Channel string `json:"channel"`
	State   string `json:"state"`
}

func (s *Server) handleListeners(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	channels := s.engine.ActiveListeners()
	out := make([]listenerInfo, 0, len(channels))
	for _, channel := range channels {
		state, ok := s.engine.ListenerState(channel)
		if !ok {
			continue
		}
		out = append(out, listenerInfo{Channel: channel, State: state.String()})
	}

	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status      string `json:"status"`
	WorkerID    string `json:"worker"`
	Connections int    `json:"connections"`
	Listeners   int    `json:"listeners"`
	Deferred    int    `json:"deferred"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		WorkerID:    s.engine.WorkerID(),
		Connections: s.engine.LocalConnections(),
		Listeners:   len(s.engine.ActiveListeners()),
		Deferred:    s.engine.DeferredForwards(),
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

func ownerOf(r *http.Request) string {
	if owner := r.Header.Get(OwnerHeader); owner != "" {
		return owner
	}

	return r.URL.Query().Get("owner")
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, fanout.ErrInvalidChannel), errors.Is(err, fanout.ErrInvalidOwner):
		return http.StatusBadRequest
	case errors.Is(err, fanout.ErrNotStarted), errors.Is(err, fanout.ErrEngineStopped),
		errors.Is(err, fanout.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
