package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 10 * time.Second

// client is one relay connection: a browser socket plus the upstream sockets
// opened on its behalf. Upstreams are owned exclusively by this client and
// never shared; closing the browser socket is the cancellation signal for
// everything the client owns.
type client struct {
	server *Server
	conn   *websocket.Conn

	// writeMu serializes writes; gorilla/websocket allows one writer at a
	// time and forwards arrive from several goroutines.
	writeMu sync.Mutex

	aliveMu sync.Mutex
	isAlive bool

	upstreamMu sync.Mutex
	upstreams  []*websocket.Conn

	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn) *client {
	c := &client{server: s, conn: conn}
	conn.SetPongHandler(func(string) error {
		c.setAlive(true)
		return nil
	})
	return c
}

// openUpstreams dials every configured upstream endpoint concurrently and
// wires the forwarding reader for each. Any dial failure is connection-fatal.
func (c *client) openUpstreams(urls []string) error {
	conns := make([]*websocket.Conn, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			conn, _, err := c.server.dialer.Dial(url, nil)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	err := g.Wait()

	c.upstreamMu.Lock()
	for _, conn := range conns {
		if conn != nil {
			c.upstreams = append(c.upstreams, conn)
		}
	}
	c.upstreamMu.Unlock()

	if err != nil {
		return err
	}

	c.upstreamMu.Lock()
	opened := append([]*websocket.Conn{}, c.upstreams...)
	c.upstreamMu.Unlock()
	for _, upstream := range opened {
		go c.forwardUpstream(upstream)
	}
	return nil
}

// forwardUpstream copies frames from one upstream socket to the browser
// socket verbatim. One failing upstream kills the whole session; the relay
// does not degrade to a partial view.
func (c *client) forwardUpstream(upstream *websocket.Conn) {
	for {
		messageType, data, err := upstream.ReadMessage()
		if err != nil {
			c.fail("upstream connection lost")
			return
		}
		if err := c.write(messageType, data); err != nil {
			c.teardown()
			return
		}
		if c.server.metrics != nil {
			c.server.metrics.RelayMessagesForwarded.Inc()
		}
	}
}

// readLoop consumes the browser socket. Inbound client messages are the
// operator side channel, broadcast to every other connected browser socket.
func (c *client) readLoop() {
	defer c.teardown()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.server.broadcast(c, messageType, data)
	}
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *client) alive() bool {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	return c.isAlive
}

func (c *client) setAlive(v bool) {
	c.aliveMu.Lock()
	c.isAlive = v
	c.aliveMu.Unlock()
}

// fail sends a final error frame to the browser, then tears the connection
// down. Best effort: the browser may already be gone.
func (c *client) fail(message string) {
	_ = c.writeJSON(frame{Error: message})
	c.teardown()
}

// teardown closes the browser socket and every owned upstream socket.
// Idempotent: closing twice is a no-op.
func (c *client) teardown() {
	c.closeOnce.Do(func() {
		c.server.unregister(c)

		c.upstreamMu.Lock()
		upstreams := c.upstreams
		c.upstreams = nil
		c.upstreamMu.Unlock()
		for _, upstream := range upstreams {
			_ = upstream.Close()
		}

		_ = c.conn.Close()
	})
}
