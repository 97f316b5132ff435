// Package channel provides the persistent duplex event connection used
// by a group session. It dials a websocket endpoint, subscribes with a
// handshake frame and reconnects with exponential backoff when the
// connection drops.
package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 5 * time.Minute

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

func nextReconnectDelay(prev time.Duration) time.Duration {
	next := prev * 2
	if next > maxReconnectDelay {
		next = maxReconnectDelay
	}
	return next
}

// Handshake is the subscribe frame sent after every successful open.
type Handshake struct {
	Token string `json:"token"`
	Topic string `json:"topic"`
}

// Config wires a channel. The handlers are invoked from channel
// goroutines and must not call back into the Channel.
type Config struct {
	URL              string
	Handshake        Handshake
	ReconnectOnClose bool
	// HandshakeTimeout bounds the websocket dial. Zero means the
	// default of ten seconds.
	HandshakeTimeout time.Duration

	OnOpen    func()
	OnMessage func(raw []byte)
	OnError   func(err error)
	OnClose   func()
}

type Channel struct {
	cfg    Config
	log    *log.Logger
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	reconnectTimer *time.Timer
	reconnectDelay time.Duration
	closed         bool

	connWg sync.WaitGroup
}

func NewChannel(cfg Config, logger *log.Logger) *Channel {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Channel{
		cfg:            cfg,
		log:            logger,
		dialer:         &websocket.Dialer{HandshakeTimeout: timeout},
		reconnectDelay: initialReconnectDelay,
	}
}

// Open dials the endpoint and starts the read and ping pumps. On
// failure the reconnect schedule is armed just as it is for a close, so
// a channel that never connected still recovers.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("channel is closed")
	}
	if c.conn != nil {
		return nil
	}

	return c.connectLocked()
}

// connectLocked dials and installs a new connection. Callers hold c.mu.
func (c *Channel) connectLocked() error {
	c.log.Printf("channel(%s): connecting", c.cfg.URL)

	conn, resp, err := c.dialer.Dial(c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.log.Printf("channel(%s): dial: %v", c.cfg.URL, err)
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
		c.scheduleReconnectLocked()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	frame, err := json.Marshal(c.cfg.Handshake)
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal handshake: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Printf("channel(%s): handshake: %v", c.cfg.URL, err)
		conn.Close()
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
		c.scheduleReconnectLocked()
		return fmt.Errorf("send handshake: %w", err)
	}

	c.conn = conn
	// a successful open resets the backoff to its initial value
	c.reconnectDelay = initialReconnectDelay

	c.connWg.Add(2)
	stop := make(chan struct{})
	go c.readPump(conn, stop)
	go c.pingPump(conn, stop)

	c.log.Printf("channel(%s): connected", c.cfg.URL)
	if c.cfg.OnOpen != nil {
		c.cfg.OnOpen()
	}

	return nil
}

func (c *Channel) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer c.connWg.Done()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("channel(%s): read: %v", c.cfg.URL, err)
				if c.cfg.OnError != nil {
					c.cfg.OnError(err)
				}
			}
			break
		}

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(raw)
		}
	}

	close(stop)
	c.handleDisconnect(conn)
}

func (c *Channel) pingPump(conn *websocket.Conn, stop chan struct{}) {
	defer c.connWg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Printf("channel(%s): ping: %v", c.cfg.URL, err)
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// handleDisconnect runs once per connection, after its read pump exits.
func (c *Channel) handleDisconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	if !closed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if !closed && c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
}

// scheduleReconnectLocked arms the reconnect timer with the current
// backoff delay and doubles the delay for the next failure. Callers
// hold c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if !c.cfg.ReconnectOnClose || c.closed {
		return
	}

	delay := c.reconnectDelay
	c.reconnectDelay = nextReconnectDelay(c.reconnectDelay)

	c.log.Printf("channel(%s): reconnecting in %s", c.cfg.URL, delay)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.conn != nil {
			return
		}
		// errors here re-arm the schedule via connectLocked
		_ = c.connectLocked()
	})
}

// Send writes a frame on the live connection.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel is not connected")
	}

	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Printf("channel(%s): send: %v", c.cfg.URL, err)
		return fmt.Errorf("send frame: %w", err)
	}

	return nil
}

// Connected reports whether an underlying connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears the channel down: the pending reconnect timer is
// cancelled, further reconnects are suppressed and the connection is
// closed. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.connWg.Wait()
	c.log.Printf("channel(%s): closed", c.cfg.URL)
}
