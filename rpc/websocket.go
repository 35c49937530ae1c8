package rpc

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"

	"github.com/edrgo/edr/metrics"
	"github.com/edrgo/edr/provider"
)

const (
	wsReadBuffer   = 1024
	wsWriteBuffer  = 1024
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	// wsSendQueue bounds the messages waiting for a slow client. A client
	// that lets notifications overflow it is disconnected.
	wsSendQueue = 256
)

// originValidator accepts handshakes without an Origin header and those
// from the allowed origins.
func originValidator(allowed []string) func(*http.Request) bool {
	origins := mapset.NewThreadUnsafeSet[string]()
	allowAll := len(allowed) == 0
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			origins.Add(strings.ToLower(o))
		}
	}
	return func(r *http.Request) bool {
		if _, ok := r.Header["Origin"]; !ok || allowAll {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origins.Contains(origin) {
			return true
		}
		logger.Warn("Rejected WebSocket connection", "origin", origin)
		return false
	}
}

// wsConn is one WebSocket client. A reader handles requests, a writer owns
// the socket's write side and a forwarder turns provider events for this
// client's subscriptions into notifications.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
	subs mapset.Set[string]
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	c := &wsConn{
		srv:  s,
		conn: conn,
		send: make(chan any, wsSendQueue),
		done: make(chan struct{}),
		subs: mapset.NewSet[string](),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metrics.WSConnections.WithLabelValues().Inc()
	logger.Debug("WebSocket connection opened", "remote", r.RemoteAddr)

	c.run()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.WSConnections.WithLabelValues().Dec()
	logger.Debug("WebSocket connection closed", "remote", r.RemoteAddr)
}

func (c *wsConn) run() {
	events := make(chan provider.SubscriptionEvent, wsSendQueue)
	sub := c.srv.handler.SubscribeEvents(events)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.forwardLoop(events)
	}()
	c.readLoop()
	c.close()
	sub.Unsubscribe()
	wg.Wait()

	for _, id := range c.subs.ToSlice() {
		raw, _ := json.Marshal(id)
		if _, err := c.srv.handler.Handle("eth_unsubscribe", []json.RawMessage{raw}); err != nil {
			logger.Debug("Failed to remove subscription", "id", id, "err", err)
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.srv.cfg.MaxBodySize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read failed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		resp := c.srv.handleMessage(msg, c)
		select {
		case c.send <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				logger.Debug("WebSocket write failed", "err", err)
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// forwardLoop must never call into the handler: events are delivered while
// the provider is locked.
func (c *wsConn) forwardLoop(events <-chan provider.SubscriptionEvent) {
	for {
		select {
		case ev := <-events:
			if !c.subs.Contains(ev.ID) {
				continue
			}
			n := &Notification{
				JSONRPC: jsonrpcVersion,
				Method:  "eth_subscription",
				Params:  NotificationParams{Subscription: ev.ID, Result: ev.Result},
			}
			select {
			case c.send <- n:
			default:
				logger.Warn("Dropping slow WebSocket client", "remote", c.conn.RemoteAddr())
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// track records the subscriptions this connection opened or closed.
func (c *wsConn) track(req *Request, result json.RawMessage) {
	switch req.Method {
	case "eth_subscribe":
		var id string
		if json.Unmarshal(result, &id) == nil {
			c.subs.Add(id)
		}
	case "eth_unsubscribe":
		var id string
		if len(req.Params) > 0 && json.Unmarshal(req.Params[0], &id) == nil {
			c.subs.Remove(id)
		}
	}
}
