// Package stream serves committed engine logs over websocket using the
// eth_subscribe "logs" protocol, so standard Ethereum log subscribers can
// follow the exchange.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/events"
	"dexcore/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

// request is an incoming JSON-RPC call.
type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *int64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// Notification is a pushed subscription message.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams carries one log of a subscription.
type NotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       events.LogEntry `json:"result"`
}

// Server pushes committed logs to websocket subscribers. It is an
// events.Sink; HandleLog never blocks on a slow client.
type Server struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	nextSub atomic.Uint64

	server *http.Server
	log    zerolog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan interface{}

	mu   sync.Mutex
	subs map[string]Filter

	closeOnce sync.Once
}

// NewServer creates a stream server.
func NewServer(m *metrics.Metrics) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: m,
		clients: make(map[*client]struct{}),
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// Start serves the websocket endpoint at path on port.
func (s *Server) Start(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		s.log.Info().Int("port", port).Str("path", path).Msg("Starting stream server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Stream server error")
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
	s.mu.Unlock()
	s.metrics.SetStreamClients(0)

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and serves one subscriber.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan interface{}, sendBuffer),
		subs: make(map[string]Filter),
	}
	s.register(c)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.metrics.SetStreamClients(count)
	s.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("Client connected")
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	count := len(s.clients)
	s.mu.Unlock()

	s.metrics.SetStreamClients(count)
	s.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("Client disconnected")
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump handles subscription requests until the connection closes.
func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			s.reply(c, response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}}, nil)
			continue
		}
		resp, activate := s.handle(c, req)
		s.reply(c, resp, activate)
	}
}

// handle serves one request. A new subscription is returned as activate,
// which reply runs together with queuing the subscription id.
func (s *Server) handle(c *client, req request) (resp response, activate func()) {
	resp = response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "eth_subscribe":
		var kind string
		if len(req.Params) == 0 || json.Unmarshal(req.Params[0], &kind) != nil || kind != "logs" {
			resp.Error = &rpcError{Code: -32602, Message: "only logs subscriptions are supported"}
			return resp, nil
		}
		var filter Filter
		if len(req.Params) > 1 {
			if err := json.Unmarshal(req.Params[1], &filter); err != nil {
				resp.Error = &rpcError{Code: -32602, Message: fmt.Sprintf("invalid filter: %v", err)}
				return resp, nil
			}
		}
		id := fmt.Sprintf("0x%x", s.nextSub.Add(1))
		resp.Result = id
		activate = func() {
			c.subs[id] = filter
		}

		s.log.Debug().
			Str("subscription", id).
			Int("addresses", len(filter.Addresses)).
			Int("topics", len(filter.Topics)).
			Msg("Subscription added")

	case "eth_unsubscribe":
		var id string
		if len(req.Params) == 0 || json.Unmarshal(req.Params[0], &id) != nil {
			resp.Error = &rpcError{Code: -32602, Message: "missing subscription id"}
			return resp, nil
		}
		c.mu.Lock()
		_, ok := c.subs[id]
		delete(c.subs, id)
		c.mu.Unlock()
		resp.Result = ok

	default:
		resp.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
	return resp, activate
}

// reply queues resp. activate runs under the client lock so no log reaches
// a new subscription before its id does.
func (s *Server) reply(c *client, resp response, activate func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if activate != nil {
		activate()
	}
	select {
	case c.send <- resp:
	default:
		s.log.Warn().Msg("Client send buffer full, dropping response")
	}
}

// writePump writes queued messages and keeps the connection alive.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleLog queues l for every matching subscription.
func (s *Server) HandleLog(l events.Log) {
	entry := l.Entry()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		c.mu.Lock()
		for id, filter := range c.subs {
			if !filter.Matches(entry) {
				continue
			}
			select {
			case c.send <- Notification{
				JSONRPC: "2.0",
				Method:  "eth_subscription",
				Params:  NotificationParams{Subscription: id, Result: entry},
			}:
			default:
				s.log.Warn().Str("subscription", id).Msg("Client send buffer full, discarding log")
			}
		}
		c.mu.Unlock()
	}
}

// Filter selects logs by emitting address and positional topics. An empty
// address list or topic position matches anything; values within a position
// are alternatives.
type Filter struct {
	Addresses []string
	Topics    [][]string
}

// UnmarshalJSON accepts the eth_subscribe filter shape, where address is a
// string or a list and each topic position is null, a string or a list.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Address json.RawMessage   `json:"address"`
		Topics  []json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	addresses, err := stringOrList(raw.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	f.Addresses = addresses

	f.Topics = make([][]string, len(raw.Topics))
	for i, t := range raw.Topics {
		if f.Topics[i], err = stringOrList(t); err != nil {
			return fmt.Errorf("topic %d: %w", i, err)
		}
	}
	return nil
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// Matches reports whether entry passes the filter.
func (f Filter) Matches(entry events.LogEntry) bool {
	if len(f.Addresses) > 0 && !containsFold(f.Addresses, entry.Address) {
		return false
	}
	for i, alternatives := range f.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(entry.Topics) || !containsFold(alternatives, entry.Topics[i]) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
