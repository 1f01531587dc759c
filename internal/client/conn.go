// Package client is the device-side runtime of the realtime core: it owns
// the persistent channel to the relay, supervises it with capped
// exponential reconnect, and dispatches inbound envelopes to subscribers.
package client

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ripplechat/ripple/internal/proto"
)

// Config holds the channel supervision tunables.
type Config struct {
	PingInterval time.Duration // interval between liveness pings
	PongTimeout  time.Duration // deadline for the matching pong
	BackoffReset time.Duration // first retry delay
	BackoffMax   time.Duration // cap for the exponential delay
	MaxRetries   int           // retries per reconnect attempt before giving up
	DialTimeout  time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
		BackoffReset: 1 * time.Second,
		BackoffMax:   32 * time.Second,
		MaxRetries:   5,
		DialTimeout:  10 * time.Second,
	}
}

// Handler receives inbound envelopes of a subscribed type. It is an alias
// so a *Conn satisfies transport interfaces declared with plain func types.
type Handler = func(*proto.Envelope)

// Conn is one logical connection from a device to the relay. It survives
// transport drops by redialing; subscribers and conversation memberships
// are replayed onto the fresh socket.
type Conn struct {
	serverURL string
	userID    string
	cfg       *Config

	mu         sync.Mutex
	ws         *websocket.Conn
	connected  bool
	connecting bool
	closeCh    chan struct{}
	backoff    time.Duration

	handlers map[string][]Handler
	stateFns []func(connected bool)

	// Conversation rooms this device is currently viewing, replayed after
	// every reconnect, and the typing signal we last sent per conversation.
	joined     map[string]struct{}
	typingSent map[string]bool

	recent *history

	writeMu sync.Mutex
}

// New creates a connection manager for userID against serverURL
// (e.g. "ws://localhost:8484/ws"). Call Connect to bring the channel up.
func New(serverURL, userID string, cfg *Config) *Conn {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Conn{
		serverURL:  serverURL,
		userID:     userID,
		cfg:        cfg,
		closeCh:    make(chan struct{}),
		backoff:    cfg.BackoffReset,
		handlers:   make(map[string][]Handler),
		joined:     make(map[string]struct{}),
		typingSent: make(map[string]bool),
		recent:     newHistory(historyCapacity),
	}
}

// UserID returns the identity this connection authenticates as.
func (c *Conn) UserID() string { return c.userID }

// On registers a handler for envelopes of the given type. "*" receives
// everything.
func (c *Conn) On(envType string, h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers[envType] = append(c.handlers[envType], h)
	c.mu.Unlock()
}

// Off removes every handler registered for the given type.
func (c *Conn) Off(envType string) {
	c.mu.Lock()
	delete(c.handlers, envType)
	c.mu.Unlock()
}

// OnConnectionChange registers a callback fired with true when the channel
// comes up and false when it drops. The call layer uses the false edge to
// terminate live sessions with PeerUnreachable.
func (c *Conn) OnConnectionChange(fn func(connected bool)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

// IsConnected reports whether the channel is currently up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect brings the channel up, retrying with capped exponential backoff.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	c.mu.Unlock()

	return c.connectWithBackoff()
}

// Close tears the channel down for good. Any in-flight backoff wait is
// cancelled; no reconnect follows.
func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}
	close(c.closeCh)
	c.closeCh = make(chan struct{})
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"))
		ws.Close()
	}
	c.notifyState(false)
	return nil
}

// Send writes one envelope to the relay.
func (c *Conn) Send(env *proto.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}
	if env.TS == 0 {
		env.TS = proto.NowMillis()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(env)
}

func (c *Conn) connectWithBackoff() error {
	c.mu.Lock()
	c.backoff = c.cfg.BackoffReset
	closeCh := c.closeCh
	c.mu.Unlock()

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err = c.dial(); err == nil {
			return nil
		}
		log.Printf("WS: connect attempt %d failed: %v", attempt+1, err)

		c.mu.Lock()
		wait := c.backoff
		c.backoff *= 2
		if c.backoff > c.cfg.BackoffMax {
			c.backoff = c.cfg.BackoffMax
		}
		c.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-closeCh:
			return nil // torn down mid-backoff
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries+1, err)
}

func (c *Conn) dial() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("user", c.userID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.connecting = false
	rooms := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	go c.pingLoop(ws)
	go c.readLoop(ws)

	// Replay conversation memberships lost with the previous socket.
	for _, id := range rooms {
		_ = c.Send(&proto.Envelope{Type: proto.TypeJoin, Payload: proto.JoinMsg{ConversationID: id}})
	}

	c.notifyState(true)
	log.Printf("WS: connected as %s", c.userID)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.handleDrop(ws, err)
			return
		}
		c.dispatch(&env)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if err := ws.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout)); err != nil {
				return
			}
			c.writeMu.Lock()
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-closeCh:
			return
		}
	}
}

// handleDrop runs when the read loop dies. Unless the drop was a
// deliberate Close, it schedules a reconnect.
func (c *Conn) handleDrop(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer socket already replaced this one.
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.ws = nil
	c.connected = false
	closeCh := c.closeCh
	c.mu.Unlock()

	ws.Close()
	if !wasConnected {
		return
	}
	c.notifyState(false)

	select {
	case <-closeCh:
		return // deliberate Close, stay down
	default:
	}

	log.Printf("WS: connection lost (%v), reconnecting", err)
	c.mu.Lock()
	c.connecting = true
	c.mu.Unlock()
	go func() {
		if err := c.connectWithBackoff(); err != nil {
			log.Printf("WS: reconnect gave up: %v", err)
		}
	}()
}

func (c *Conn) dispatch(env *proto.Envelope) {
	c.recent.push(env)

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	handlers = append(handlers, c.handlers["*"]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Conn) notifyState(connected bool) {
	c.mu.Lock()
	fns := append([]func(bool){}, c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}
