package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client follows a log stream, either this package's Server or any node
// speaking eth_subscribe.
type Client struct {
	url  string
	conn *websocket.Conn
	mu   sync.Mutex

	// Subscription tracking
	subscriptionID string
	requestID      atomic.Int64

	// Message handling
	msgCh    chan NotificationParams
	done     chan struct{}
	doneOnce sync.Once

	// State
	connected atomic.Bool
}

// NewClient creates a new stream client.
func NewClient(url string) *Client {
	return &Client{
		url:   url,
		msgCh: make(chan NotificationParams, 1000),
		done:  make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// the server pings us; answering extends our own read deadline too
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.conn = conn
	c.connected.Store(true)

	log.Info().Str("url", c.url).Msg("Stream connected")
	return nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.connected.Store(false)

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SubscriptionID returns the id confirmed by the server, if any.
func (c *Client) SubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionID
}

// Subscribe subscribes to logs from addresses whose first topic is one of
// topics. Empty lists match everything.
func (c *Client) Subscribe(ctx context.Context, addresses []string, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	id := c.requestID.Add(1)

	filter := map[string]interface{}{}
	if len(topics) > 0 {
		filter["topics"] = []interface{}{topics}
	}
	if len(addresses) > 0 {
		filter["address"] = addresses
	}

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  []interface{}{"logs", filter},
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}

	log.Info().
		Int64("id", id).
		Int("addresses", len(addresses)).
		Strs("topics", topics).
		Msg("Sent subscription request")

	return nil
}

// Unsubscribe removes the confirmed subscription.
func (c *Client) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.subscriptionID == "" {
		return nil
	}

	id := c.requestID.Add(1)
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_unsubscribe",
		"params":  []interface{}{c.subscriptionID},
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("writing unsubscribe request: %w", err)
	}

	c.subscriptionID = ""
	return nil
}

// ReadMessages reads messages from the WebSocket and forwards notifications
// to Messages. It returns when the connection is closed or an error occurs.
func (c *Client) ReadMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("reading message: %w", err)
		}

		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *int64          `json:"id"`
			Result  json.RawMessage `json:"result"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			Error   *rpcError       `json:"error"`
		}

		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse message")
			continue
		}

		// Handle subscription response
		if msg.ID != nil && msg.Result != nil {
			var subID string
			if err := json.Unmarshal(msg.Result, &subID); err == nil && subID != "" {
				c.mu.Lock()
				c.subscriptionID = subID
				c.mu.Unlock()
				log.Info().Str("subscription_id", subID).Msg("Subscription confirmed")
			}
			continue
		}

		if msg.Error != nil {
			log.Error().
				Int("code", msg.Error.Code).
				Str("message", msg.Error.Message).
				Msg("Stream error")
			continue
		}

		if msg.Method == "eth_subscription" && msg.Params != nil {
			var params NotificationParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				log.Warn().Err(err).Msg("Failed to parse notification")
				continue
			}
			select {
			case c.msgCh <- params:
			default:
				log.Warn().Msg("Message channel full, discarding message")
			}
		}
	}
}

// Messages returns the channel of received notifications.
func (c *Client) Messages() <-chan NotificationParams {
	return c.msgCh
}

// Ping sends a ping to keep the connection alive.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StartPingLoop sends periodic pings until ctx is done or the client closes.
func (c *Client) StartPingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Ping failed")
			}
		}
	}
}
