package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/genfree/realtime/pkg/log"
)

// Config holds per-connection websocket settings.
type Config struct {
	QueueSize      int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// Client is a websocket connection. Its Send queue is the FIFO outbound
// queue of the membership it carries.
type Client struct {
	id     string
	Conn   *websocket.Conn
	Send   chan []byte
	config Config

	mu       sync.Mutex
	closed   bool
	teardown sync.Once
}

func NewClient(id string, conn *websocket.Conn, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:     id,
		Conn:   conn,
		Send:   make(chan []byte, cfg.QueueSize),
		config: cfg,
	}
}

func (c *Client) ID() string { return c.id }

// Enqueue implements Conn.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Close implements Conn. The write pump drains what is queued, sends a
// close frame and shuts the socket, which in turn ends the read pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ReadPump reads frames until the connection fails and hands each to
// handler. teardown runs exactly once when the pump exits.
func (c *Client) ReadPump(handler func([]byte), teardown func()) {
	defer func() {
		c.teardown.Do(teardown)
		c.Close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldClientID, c.id).Msg("websocket read error")
			}
			return
		}
		handler(message)
	}
}

// WritePump drains Send in order and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
