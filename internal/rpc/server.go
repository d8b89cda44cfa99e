package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Path is where Server is mounted by canopy serve.
const Path = "/rpc"

const writeTimeout = 10 * time.Second

// Observer receives per-request and per-connection notifications.
type Observer interface {
	RequestServed(service, method string, code types.ErrorCode)
	ConnectionsChanged(delta int)
}

type nopObserver struct{}

func (nopObserver) RequestServed(string, string, types.ErrorCode) {}
func (nopObserver) ConnectionsChanged(int)                        {}

// Server answers websocket RPC connections against one engine.
type Server struct {
	engine   *engine.Engine
	logger   *slog.Logger
	observer Observer
	upgrader websocket.Upgrader
	methods  map[string]map[string]method
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithObserver sets the request observer.
func WithObserver(o Observer) Option { return func(s *Server) { s.observer = o } }

// WithAnyOrigin accepts upgrades from any Origin. By default only
// same-host origins, and clients that send none, are accepted.
func WithAnyOrigin() Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// NewServer builds a Server for e.
func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   e,
		logger:   slog.New(slog.DiscardHandler),
		observer: nopObserver{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     sameOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.methods = map[string]map[string]method{
		ServiceQuery:      queryMethods(),
		ServiceMutation:   mutationMethods(),
		ServiceObservable: observableMethods(),
	}
	return s
}

func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return strings.Contains(origin, "://"+r.Host)
}

// ServeHTTP upgrades the request and serves the connection until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &session{
		server: s,
		ws:     ws,
		logger: s.logger.With("remote", r.RemoteAddr),
		subs:   make(map[types.SubscriptionID]struct{}),
	}
	s.observer.ConnectionsChanged(1)
	c.logger.Info("rpc client connected")
	defer func() {
		c.close()
		s.observer.ConnectionsChanged(-1)
		c.logger.Info("rpc client disconnected")
	}()
	c.serve(r.Context())
}

// session is one websocket connection. Requests are read and answered one
// at a time, so they are processed in arrival order.
type session struct {
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes frames; the websocket allows one writer.
	writeMu sync.Mutex

	// gate holds pushes back while a subscribe call is answered so that
	// the client sees the subscription id before its first event.
	gate sync.RWMutex

	mu     sync.Mutex
	closed bool
	subs   map[types.SubscriptionID]struct{}
}

func (c *session) serve(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("rpc read ended", "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			err = fmt.Errorf("malformed request: %v: %w", err, types.ErrInvalidCommand)
			if c.write(Response{Error: types.NewResultError(err)}) != nil {
				return
			}
			continue
		}
		gated := req.Service == ServiceObservable && strings.HasPrefix(req.Method, "subscribe")
		if gated {
			c.gate.Lock()
		}
		resp := c.handle(ctx, req)
		err = c.write(resp)
		if gated {
			c.gate.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *session) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	var code types.ErrorCode
	defer func() {
		c.server.observer.RequestServed(req.Service, req.Method, code)
	}()

	m, ok := c.server.methods[req.Service][req.Method]
	if !ok {
		resp.Error = types.NewResultError(fmt.Errorf("unknown method %s.%s: %w", req.Service, req.Method, types.ErrInvalidCommand))
		code = resp.Error.Code
		return resp
	}
	result, err := m(ctx, c, req.Params)
	if err != nil {
		resp.Error = types.NewResultError(err)
		code = resp.Error.Code
		c.logger.Debug("rpc call failed", "service", req.Service, "method", req.Method, "error", err)
		return resp
	}
	if res, ok := result.(types.CommandResult); ok && res.Error != nil {
		code = res.Error.Code
	}
	resp.Result = result
	return resp
}

func (c *session) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		c.logger.Warn("rpc write failed", "error", err)
		return err
	}
	return nil
}

// push sends a subscription batch unless the connection is gone.
func (c *session) push(id types.SubscriptionID, event any) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	_ = c.write(Push{Subscription: id, Event: event})
}

func (c *session) own(id types.SubscriptionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = struct{}{}
}

func (c *session) release(id types.SubscriptionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// close drops every subscription the connection owns and closes the socket.
func (c *session) close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]types.SubscriptionID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	clear(c.subs)
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.server.engine.Unsubscribe(id); err != nil {
			c.logger.Debug("unsubscribe on close", "subscription_id", id, "error", err)
		}
	}
	_ = c.ws.Close()
}
