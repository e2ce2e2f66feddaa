// Package relay implements the realtime log-broadcasting relay: a websocket
// server that authenticates each browser connection once through the
// authorization gateway, then fans in messages from a fixed set of upstream
// log-producing sockets and fans them out to that browser socket.
//
// Per-connection lifecycle: Connecting (accept the upgrade, pull the token
// from the query string) → Authorizing (one gateway decision, no retry) →
// Relaying (forward upstream frames, heartbeat, operator side channel) →
// Closing/Closed (terminate every owned upstream, idempotent).
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opsdeck/opsdeck/pkg/gateway"
	"github.com/opsdeck/opsdeck/pkg/observability"
)

// Authorizer is the slice of the gateway the relay needs. Satisfied by
// *gateway.Gateway.
type Authorizer interface {
	Authorize(ctx context.Context, call gateway.Call, policy gateway.Policy) gateway.Outcome
}

// Config holds the relay settings.
type Config struct {
	// UpstreamURLs is the fixed list of log-producing websocket endpoints
	// opened for every admitted browser connection.
	UpstreamURLs []string
	// HeartbeatInterval is the liveness sweep period.
	HeartbeatInterval time.Duration
}

const defaultHeartbeatInterval = 5 * time.Second

// frame is the JSON envelope for relay control messages. Forwarded upstream
// payloads are passed through unwrapped.
type frame struct {
	Error string `json:"error,omitempty"`
	Info  string `json:"info,omitempty"`
}

// Server is the relay. One logical task per browser connection plus one
// shared liveness sweep; the client registry is the only shared mutable
// structure and is guarded for concurrent iteration.
type Server struct {
	authorizer Authorizer
	policy     gateway.Policy
	cfg        Config
	logger     *observability.Logger
	metrics    *observability.Metrics

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu      sync.Mutex
	clients map[*client]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer constructs the relay. policy is the fixed admission requirement
// (admin roles plus the reserved log-viewer unit). metrics may be nil.
func NewServer(authorizer Authorizer, policy gateway.Policy, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Server{
		authorizer: authorizer,
		policy:     policy,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer:  websocket.DefaultDialer,
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Start launches the liveness sweep. The sweep pings every connected browser
// socket each interval; a socket that missed the previous pong is treated as
// unreachable and terminated silently.
func (s *Server) Start() {
	go s.sweepLoop()
}

// Stop cancels the sweep and terminates every connected browser socket.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.snapshot() {
			c.teardown()
		}
	})
}

// ServeHTTP handles a browser websocket upgrade. The bearer token rides the
// URL query string because the websocket handshake cannot carry custom
// headers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	call := gateway.Call{
		Method: r.Method,
		Token:  r.URL.Query().Get("token"),
	}
	outcome := s.authorizer.Authorize(r.Context(), call, s.policy)
	if !outcome.Admitted {
		if s.metrics != nil {
			s.metrics.RelayConnectionsTotal.WithLabelValues("denied").Inc()
		}
		// Single error frame, then disconnect. No retry, no partial
		// admission, and no upstream sockets are ever opened.
		writeClosedFrame(conn, frame{Error: string(outcome.Reason)})
		return
	}

	c := newClient(s, conn)
	c.setAlive(true)
	if err := c.writeJSON(frame{Info: "log stream connected"}); err != nil {
		c.teardown()
		return
	}

	s.register(c)
	if s.metrics != nil {
		s.metrics.RelayConnectionsTotal.WithLabelValues("admitted").Inc()
	}
	s.logger.WithField("user_id", outcome.Context.UserID).Info("log relay connection admitted")

	if err := c.openUpstreams(s.cfg.UpstreamURLs); err != nil {
		c.fail(fmt.Sprintf("upstream connect failed: %v", err))
		return
	}

	c.readLoop()
}

// broadcast forwards an operator message from one browser socket to every
// other currently connected browser socket. Upstreams never see it.
func (s *Server) broadcast(from *client, messageType int, data []byte) {
	for _, c := range s.snapshot() {
		if c == from {
			continue
		}
		if err := c.write(messageType, data); err != nil {
			s.logger.WithError(err).Debug("broadcast write failed")
		}
	}
	if s.metrics != nil {
		s.metrics.RelayBroadcastsTotal.Inc()
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RelayConnectionsActive.Inc()
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if present && s.metrics != nil {
		s.metrics.RelayConnectionsActive.Dec()
	}
}

// snapshot copies the registry so iteration never holds the lock across
// socket writes.
func (s *Server) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep terminates sockets that missed the previous pong, then arms the next
// round: reset isAlive and ping, expecting the pong handler to flip it back.
// A dead connection is silent resource cleanup, not an error.
func (s *Server) sweep() {
	for _, c := range s.snapshot() {
		if !c.alive() {
			c.teardown()
			continue
		}
		c.setAlive(false)
		c.ping()
	}
}

// writeClosedFrame writes one final frame and closes the connection.
func writeClosedFrame(conn *websocket.Conn, f frame) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(f)
	_ = conn.Close()
}
