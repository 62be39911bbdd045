package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
	ws "github.com/gorilla/websocket"
)

const (
	sendChSize     = 1024
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// ConnConfig configures a client connection.
type ConnConfig struct {
	URL    string
	Header http.Header
	// SendBuffer is the outbound queue size; a full queue drops publishes.
	SendBuffer  int
	WriteWait   time.Duration
	CallTimeout time.Duration
	// InitialBackoff doubles per failed reconnect up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxReconnect gives up after this many failed attempts; zero retries
	// until Close.
	MaxReconnect int
}

type callResult struct {
	reply streaming.ReplyPayload
	err   error
}

// Conn is a client connection to a Hub. It keeps one writer goroutine and
// one reader goroutine per socket and reconnects with exponential backoff.
// Subscriptions are replayed on every new socket. Tracks and listens are
// bound to the joined user, so they wait for Restore after the rejoin.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger
	sendCh chan []byte
	done   chan struct{}
	nextID atomic.Uint64

	mu      sync.Mutex
	conn    *ws.Conn
	stop    chan struct{}
	closed  bool
	pending map[string]chan callResult

	subs    map[string]bool
	tracks  map[string]streaming.TrackPayload
	listens map[string]streaming.ListenPayload

	onMessage   func(streaming.Envelope)
	onReconnect func()
	onDrop      func(error)
}

// NewConn creates an unconnected Conn.
func NewConn(cfg ConnConfig, logger *slog.Logger) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = sendChSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = maxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:     cfg,
		logger:  logger,
		sendCh:  make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan callResult),
		subs:    make(map[string]bool),
		tracks:  make(map[string]streaming.TrackPayload),
		listens: make(map[string]streaming.ListenPayload),
	}
}

// OnMessage sets the handler of every server message other than replies.
// It runs on the reader goroutine. Set it before Dial.
func (c *Conn) OnMessage(fn func(streaming.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnReconnect is called after a dropped socket was re-established and the
// subscriptions replayed. The handler must rejoin, call Restore and
// refetch anything missed in between.
func (c *Conn) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// OnDrop is called when a socket fails, before reconnecting.
func (c *Conn) OnDrop(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Dial connects and starts the read and write loops.
func (c *Conn) Dial(ctx context.Context) error {
	conn, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.mu.Unlock()
	c.start(conn)
	return nil
}

func (c *Conn) dialOnce(ctx context.Context) (*ws.Conn, error) {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *Conn) start(conn *ws.Conn) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.mu.Unlock()

	go c.writeLoop(conn, stop)
	go c.readLoop(conn, stop)
}

// writeLoop drains sendCh to one socket. It returns on error, when the
// socket is replaced or on shutdown; queued data waits for the next socket.
func (c *Conn) writeLoop(conn *ws.Conn, stop chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-stop:
			return
		case data := <-c.sendCh:
			if err := c.write(conn, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				c.drop(conn, err)
				return
			}
		}
	}
}

func (c *Conn) write(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

func (c *Conn) readLoop(conn *ws.Conn, stop chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case <-stop:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			c.drop(conn, err)
			return
		}

		env, err := streaming.Decode(message)
		if err != nil {
			c.logger.Debug("Undecodable message received", "raw", string(message))
			continue
		}

		if env.Type == streaming.TypeReply {
			c.resolve(env)
			continue
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (c *Conn) resolve(env streaming.Envelope) {
	var rp streaming.ReplyPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &rp); err != nil {
			rp = streaming.ReplyPayload{Code: streaming.CodeInternal, Error: err.Error()}
		}
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Reply for unknown call", "id", env.ID)
		return
	}
	ch <- callResult{reply: rp}
}

// drop tears down conn once, fails the calls in flight and reconnects.
func (c *Conn) drop(conn *ws.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	onDrop := c.onDrop
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- callResult{err: ErrDisconnected}
	}
	if onDrop != nil {
		onDrop(cause)
	}
	go c.reconnect()
}

// reconnect re-establishes the socket with exponential backoff. The replay
// is written before the write loop restarts, so it precedes anything
// queued while disconnected.
func (c *Conn) reconnect() {
	backoff := c.cfg.InitialBackoff
	for attempt := 1; c.cfg.MaxReconnect == 0 || attempt <= c.cfg.MaxReconnect; attempt++ {
		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dialOnce(context.Background())
		if err == nil {
			err = c.replay(conn)
			if err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			c.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		onReconnect := c.onReconnect
		c.mu.Unlock()

		c.start(conn)
		c.logger.Info("WebSocket reconnected", "attempt", attempt)
		if onReconnect != nil {
			onReconnect()
		}
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", c.cfg.MaxReconnect)
}

func (c *Conn) replay(conn *ws.Conn) error {
	c.mu.Lock()
	var frames [][]byte
	for name := range c.subs {
		if data, err := streaming.Encode(streaming.TypeSubscribe, "", streaming.ChannelPayload{Channel: name}); err == nil {
			frames = append(frames, data)
		}
	}
	c.mu.Unlock()

	for _, data := range frames {
		if err := c.write(conn, data); err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
	}
	return nil
}

// Restore resends the recorded tracks and listens. The server only accepts
// them from a joined connection, so call it after rejoining on a new
// socket.
func (c *Conn) Restore() error {
	c.mu.Lock()
	tracks := make([]streaming.TrackPayload, 0, len(c.tracks))
	for _, t := range c.tracks {
		tracks = append(tracks, t)
	}
	listens := make([]streaming.ListenPayload, 0, len(c.listens))
	for _, l := range c.listens {
		listens = append(listens, l)
	}
	c.mu.Unlock()

	for _, t := range tracks {
		if err := c.sendEnvelope(streaming.TypeTrack, t); err != nil {
			return err
		}
	}
	for _, l := range listens {
		if err := c.sendEnvelope(streaming.TypeListen, l); err != nil {
			return err
		}
	}
	return nil
}

// Connected reports whether a socket is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *Conn) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
		return false
	}
}

func (c *Conn) sendEnvelope(msgType string, payload any) error {
	data, err := streaming.Encode(msgType, "", payload)
	if err != nil {
		return err
	}
	if !c.send(data) {
		return fmt.Errorf("%s dropped", msgType)
	}
	return nil
}

// Subscribe joins a broadcast channel. It is replayed after reconnects.
func (c *Conn) Subscribe(name string) error {
	c.mu.Lock()
	c.subs[name] = true
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeSubscribe, streaming.ChannelPayload{Channel: name})
}

// Unsubscribe leaves a broadcast channel.
func (c *Conn) Unsubscribe(name string) error {
	c.mu.Lock()
	delete(c.subs, name)
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeUnsubscribe, streaming.ChannelPayload{Channel: name})
}

// Track announces key in the presence set of a channel.
func (c *Conn) Track(name, key string, meta map[string]any) error {
	p := streaming.TrackPayload{Channel: name, Key: key, Meta: meta}
	c.mu.Lock()
	c.tracks[name] = p
	c.subs[name] = true
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeTrack, p)
}

// Untrack leaves the presence set of a channel.
func (c *Conn) Untrack(name string) error {
	c.mu.Lock()
	delete(c.tracks, name)
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeUntrack, streaming.ChannelPayload{Channel: name})
}

// Listen subscribes to row changes of table, optionally filtered to rows
// whose column equals value.
func (c *Conn) Listen(table string, filter *streaming.RowFilter) error {
	p := streaming.ListenPayload{Table: table, Filter: filter}
	c.mu.Lock()
	c.listens[listenKey(p)] = p
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeListen, p)
}

// Unlisten stops a Listen with the same arguments.
func (c *Conn) Unlisten(table string, filter *streaming.RowFilter) error {
	p := streaming.ListenPayload{Table: table, Filter: filter}
	c.mu.Lock()
	delete(c.listens, listenKey(p))
	c.mu.Unlock()
	return c.sendEnvelope(streaming.TypeUnlisten, p)
}

// Heartbeat refreshes this connection's presence.
func (c *Conn) Heartbeat() error {
	return c.sendEnvelope(streaming.TypeHeartbeat, nil)
}

// Publish broadcasts an event to the other subscribers of a channel. It
// never blocks and reports false when the message was dropped.
func (c *Conn) Publish(name, event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("Failed to encode publish", "event", event, "error", err)
		return false
	}
	data, err := streaming.Encode(streaming.TypePublish, "", streaming.PublishPayload{
		Channel: name,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		return false
	}
	return c.send(data)
}

// Call invokes a server method and decodes the result into out, which may
// be nil. A failed call returns an *RPCError or a *quota.CooldownError.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = b
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	data, err := streaming.Encode(streaming.TypeRPC, id, streaming.RPCPayload{Method: method, Params: rawParams})
	if err != nil {
		return err
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if !c.send(data) {
		forget()
		return fmt.Errorf("%s: send queue full", method)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if err := replyError(res.reply); err != nil {
			return err
		}
		if out != nil && len(res.reply.Result) > 0 {
			if err := json.Unmarshal(res.reply.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("timeout waiting for reply to %q", method)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close sends a WebSocket close frame and shuts down all goroutines.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait),
		)
		return conn.Close()
	}
	return nil
}
