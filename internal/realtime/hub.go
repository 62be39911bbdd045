// Package realtime carries the live world over websockets: the server Hub
// that fans out broadcasts, presence and row changes, and the client Conn
// that keeps a session attached to it.
package realtime

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/channel"
	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/content"
	"github.com/Seonggyu05/infinite-introverts/internal/dispatcher"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/logging"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/presence"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	maxFrameSize       = 64 << 10
	defaultSendBuffer  = 256
	defaultWriteWait   = 10 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// HubConfig tunes the server side.
type HubConfig struct {
	SendBuffer      int
	HeartbeatBuffer int
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	// CallTimeout bounds the store work of one rpc.
	CallTimeout time.Duration
	Presence    presence.Config
	Bounds      geo.Bounds
	SpawnZone   geo.Bounds
}

// HubDependencies holds the collaborators of a Hub. Store and Content are
// required.
type HubDependencies struct {
	Store          storage.Store
	Content        *content.Service
	Clock          clock.Clock
	Logger         *slog.Logger
	DispatchLogger dispatcher.Logger
	Meter          metric.Meter
	Rand           *rand.Rand
}

type channelPresence struct {
	tracker *presence.Tracker
	// refs counts the open connections tracking each key.
	refs map[string]int
}

// Hub is the websocket endpoint. It is an http.Handler.
type Hub struct {
	cfg        HubConfig
	store      storage.Store
	content    *content.Service
	clock      clock.Clock
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	upgrader   ws.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.RWMutex
	clients  map[string]*client
	channels map[string]map[string]*client
	presence map[string]*channelPresence
	// announced is the newest epoch broadcast as a world reset.
	announced int64

	dropped   metric.Int64Counter
	stopWorld func()
}

// NewHub creates a Hub and registers its routes.
func NewHub(deps HubDependencies, cfg HubConfig) (*Hub, error) {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.HeartbeatBuffer <= 0 {
		cfg.HeartbeatBuffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteWait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Bounds == (geo.Bounds{}) {
		cfg.Bounds = geo.DefaultWorldBounds
	}
	if cfg.SpawnZone == (geo.Bounds{}) {
		cfg.SpawnZone = geo.DefaultSpawnZone
	}

	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dlog := deps.DispatchLogger
	if dlog == nil {
		dlog = logging.NewDispatcherLogger(zerolog.Nop())
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(c.Now().UnixNano()))
	}
	meter := deps.Meter
	if meter == nil {
		meter = noop.Meter{}
	}

	d, err := dispatcher.New(dlog)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		store:      deps.Store,
		content:    deps.Content,
		clock:      c,
		logger:     logger,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		rng:        rng,
		clients:    make(map[string]*client),
		channels:   make(map[string]map[string]*client),
		presence:   make(map[string]*channelPresence),
	}
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	if err := h.registerMetrics(meter); err != nil {
		cancel()
		return nil, err
	}
	h.registerRoutes()

	h.stopWorld = h.store.Subscribe(storage.Filter{
		Table:     model.TableWorldState,
		Predicate: epochAdvanced,
	}, h.onWorldAdvanced)

	return h, nil
}

func (h *Hub) registerMetrics(meter metric.Meter) error {
	var err error
	h.dropped, err = meter.Int64Counter("realtime.messages.dropped",
		metric.WithDescription("Outbound messages dropped because a client buffer was full"))
	if err != nil {
		return err
	}
	clients, err := meter.Int64ObservableGauge("realtime.clients",
		metric.WithDescription("Open websocket connections"))
	if err != nil {
		return err
	}
	channels, err := meter.Int64ObservableGauge("realtime.channels",
		metric.WithDescription("Channels with at least one subscriber"))
	if err != nil {
		return err
	}
	online, err := meter.Int64ObservableGauge("realtime.presence.online",
		metric.WithDescription("Online keys per presence channel"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h.mu.RLock()
		defer h.mu.RUnlock()
		o.ObserveInt64(clients, int64(len(h.clients)))
		o.ObserveInt64(channels, int64(len(h.channels)))
		for name, cp := range h.presence {
			o.ObserveInt64(online, int64(cp.tracker.Len()),
				metric.WithAttributes(attribute.String("channel", name)))
		}
		return nil
	}, clients, channels, online)
	return err
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

////////////////////////
// CONNECTIONS
////////////////////////

type client struct {
	id   string
	conn *ws.Conn
	send channel.Channel[[]byte]

	mu      sync.Mutex
	userID  string
	admin   bool
	closed  bool
	tracks  map[string]string
	listens map[string]func()
}

func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.send.TrySend(data)
}

func (c *client) user() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.admin
}

func (c *client) setUser(id string, admin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
	c.admin = admin
}

func (c *client) trackSnapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.tracks))
	for ch, key := range c.tracks {
		out[ch] = key
	}
	return out
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    channel.New[[]byte](h.cfg.SendBuffer),
		tracks:  make(map[string]string),
		listens: make(map[string]func()),
	}

	h.mu.Lock()
	select {
	case <-h.ctx.Done():
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	h.logger.Debug("Client connected", "client", c.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()
	h.readLoop(c)
	h.disconnect(c)
	<-done
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				h.logger.Debug("Websocket read error", "client", c.id, "error", err)
			}
			return
		}
		h.handleFrame(c, data)
	}
}

// writeLoop is the only writer of c.conn. It ends when the send queue is
// closed or a write fails.
func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send.Receive() {
		if err := c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
			h.logger.Debug("Websocket SetWriteDeadline error", "client", c.id, "error", err)
			return
		}
		if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
			h.logger.Debug("Websocket write error", "client", c.id, "error", err)
			return
		}
	}
	_ = c.conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(h.cfg.WriteTimeout))
}

func (h *Hub) disconnect(c *client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tracks := c.tracks
	listens := c.listens
	c.tracks = nil
	c.listens = nil
	c.send.Close()
	c.mu.Unlock()

	for _, cancel := range listens {
		cancel()
	}

	h.mu.Lock()
	delete(h.clients, c.id)
	for name, subs := range h.channels {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
	h.mu.Unlock()

	for name, key := range tracks {
		h.untrack(name, key)
	}
	h.logger.Debug("Client disconnected", "client", c.id, "dropped", c.send.Dropped())
}

func (h *Hub) client(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// deliver queues data for c, dropping it when c is slow.
func (h *Hub) deliver(c *client, data []byte) bool {
	if !c.enqueue(data) {
		h.dropped.Add(context.Background(), 1)
		return false
	}
	return true
}

// dropStale closes the socket of a client that missed row changes. The
// client reconnects and refetches.
func (h *Hub) dropStale(c *client, reason string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	h.logger.Info("Dropping stale client", "client", c.id, "reason", reason)
	_ = c.conn.Close()
}

func (h *Hub) handleFrame(c *client, data []byte) {
	env, err := streaming.DecodeInbound(data)
	if err != nil {
		if raw, derr := streaming.Decode(data); derr == nil && raw.ID != "" {
			h.reply(c, raw.ID, nil, errInvalid(err))
		} else {
			h.logger.Debug("Dropping invalid frame", "client", c.id, "error", err)
		}
		return
	}

	route := env.Type
	payload := env.Payload
	if env.Type == streaming.TypeRPC {
		var call streaming.RPCPayload
		if err := streaming.DecodePayload(env, &call); err != nil {
			h.reply(c, env.ID, nil, errInvalid(err))
			return
		}
		route = rpcRoute(call.Method)
		payload = call.Params
	}

	userID, _ := c.user()
	result, err := h.dispatcher.Dispatch(dispatcher.Event{
		Route:     route,
		ClientID:  c.id,
		UserID:    userID,
		ID:        env.ID,
		Payload:   payload,
		Timestamp: h.clock.Now(),
	})
	if env.Type == streaming.TypeRPC {
		h.reply(c, env.ID, result, err)
		return
	}
	if err != nil {
		h.logger.Debug("Message failed", "client", c.id, "type", env.Type, "error", err)
	}
}

func (h *Hub) reply(c *client, id string, result any, err error) {
	data, eerr := streaming.Encode(streaming.TypeReply, id, replyPayload(result, err))
	if eerr != nil {
		h.logger.Error("Failed to encode reply", "error", eerr)
		return
	}
	h.deliver(c, data)
}

////////////////////////
// CHANNELS AND PRESENCE
////////////////////////

func (h *Hub) subscribe(c *client, name string) {
	h.mu.Lock()
	subs, ok := h.channels[name]
	if !ok {
		subs = make(map[string]*client)
		h.channels[name] = subs
	}
	subs[c.id] = c
	var keys []string
	cp := h.presence[name]
	if cp != nil {
		keys = cp.tracker.Online()
	}
	h.mu.Unlock()

	if cp != nil {
		h.sendPresence(c, streaming.PresenceSyncPayload{Channel: name, Keys: keys})
	}
}

func (h *Hub) unsubscribe(c *client, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[name]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
}

// fanout sends data to every subscriber of name except skip.
func (h *Hub) fanout(name, skip string, data []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.channels[name]))
	for id, c := range h.channels[name] {
		if id != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
	return len(targets)
}

func (h *Hub) presenceFor(name string) *channelPresence {
	cp, ok := h.presence[name]
	if !ok {
		cp = &channelPresence{
			tracker: presence.NewTracker(h.cfg.Presence, h.clock),
			refs:    make(map[string]int),
		}
		h.presence[name] = cp
	}
	return cp
}

// track adds key to the presence set of name on behalf of c. Several
// connections may track the same key; it stays online until the last one
// untracks.
func (h *Hub) track(c *client, name, key string, meta map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev, had := c.tracks[name]
	c.tracks[name] = key
	c.mu.Unlock()

	if had && prev != key {
		h.untrack(name, prev)
	}

	h.subscribe(c, name)

	h.mu.Lock()
	cp := h.presenceFor(name)
	if !had || prev != key {
		cp.refs[key]++
	}
	joined := cp.tracker.Announce(key, meta)
	keys := cp.tracker.Online()
	h.mu.Unlock()

	if joined {
		h.broadcastPresence(streaming.PresenceSyncPayload{Channel: name, Keys: keys, Joined: []string{key}})
		return
	}
	h.sendPresence(c, streaming.PresenceSyncPayload{Channel: name, Keys: keys})
}

func (h *Hub) untrack(name, key string) {
	h.mu.Lock()
	cp := h.presence[name]
	if cp == nil {
		h.mu.Unlock()
		return
	}
	n, ok := cp.refs[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	left := false
	if n <= 1 {
		delete(cp.refs, key)
		left = cp.tracker.Leave(key)
	} else {
		cp.refs[key] = n - 1
	}
	keys := cp.tracker.Online()
	if len(cp.refs) == 0 && cp.tracker.Len() == 0 {
		delete(h.presence, name)
	}
	h.mu.Unlock()

	if left {
		h.broadcastPresence(streaming.PresenceSyncPayload{Channel: name, Keys: keys, Left: []string{key}})
	}
}

// heartbeat refreshes every key c tracks. A key that was swept while the
// connection stayed open comes back online. The refcount is untouched: it
// counts open connections, not live records.
func (h *Hub) heartbeat(c *client) {
	for name, key := range c.trackSnapshot() {
		h.mu.Lock()
		cp := h.presenceFor(name)
		rejoined := false
		if !cp.tracker.Heartbeat(key) {
			rejoined = cp.tracker.Announce(key, nil)
		}
		keys := cp.tracker.Online()
		h.mu.Unlock()

		if rejoined {
			h.broadcastPresence(streaming.PresenceSyncPayload{Channel: name, Keys: keys, Joined: []string{key}})
		}
	}
}

// Sweep expires silent keys in every presence channel and returns how many
// went offline.
func (h *Hub) Sweep() int {
	type expiry struct {
		channel string
		keys    []string
		left    []string
	}
	var out []expiry

	h.mu.Lock()
	for name, cp := range h.presence {
		left := cp.tracker.Sweep()
		if len(left) == 0 {
			continue
		}
		out = append(out, expiry{channel: name, keys: cp.tracker.Online(), left: left})
	}
	h.mu.Unlock()

	total := 0
	for _, e := range out {
		total += len(e.left)
		h.logger.Debug("Presence expired", "channel", e.channel, "keys", e.left)
		h.broadcastPresence(streaming.PresenceSyncPayload{Channel: e.channel, Keys: e.keys, Left: e.left})
	}
	return total
}

// Online returns the online keys of a presence channel.
func (h *Hub) Online(name string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cp := h.presence[name]; cp != nil {
		return cp.tracker.Online()
	}
	return nil
}

// Channels returns the number of channels with at least one subscriber.
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendPresence(c *client, p streaming.PresenceSyncPayload) {
	data, err := streaming.Encode(streaming.TypePresenceSync, "", p)
	if err != nil {
		h.logger.Error("Failed to encode presence", "error", err)
		return
	}
	h.deliver(c, data)
}

func (h *Hub) broadcastPresence(p streaming.PresenceSyncPayload) {
	data, err := streaming.Encode(streaming.TypePresenceSync, "", p)
	if err != nil {
		h.logger.Error("Failed to encode presence", "error", err)
		return
	}
	h.fanout(p.Channel, "", data)
}

////////////////////////
// WORLD
////////////////////////

func epochAdvanced(c storage.Change) bool {
	next, ok := c.New.(model.WorldState)
	if !ok {
		return false
	}
	prev, ok := c.Old.(model.WorldState)
	return !ok || next.EpochID != prev.EpochID
}

func (h *Hub) onWorldAdvanced(c storage.Change) {
	h.announce(toWorld(c.New.(model.WorldState)))
}

// AnnounceEpoch tells every connection that the world was wiped and e is
// the new epoch. Resets committed by another process reach the hub this
// way. An epoch is announced once.
func (h *Hub) AnnounceEpoch(e epoch.Epoch) bool {
	return h.announce(streaming.WorldState{
		EpochID:     e.ID,
		NextResetAt: e.NextResetAt,
		LastResetAt: e.LastResetAt,
		ResetCount:  e.ResetCount,
	})
}

func (h *Hub) announce(next streaming.WorldState) bool {
	h.mu.Lock()
	if next.EpochID <= h.announced {
		h.mu.Unlock()
		return false
	}
	h.announced = next.EpochID
	targets := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	if h.content != nil {
		h.content.Quota().Reset()
	}

	data, err := streaming.Encode(streaming.TypeWorldReset, "", streaming.WorldResetPayload{World: next})
	if err != nil {
		h.logger.Error("Failed to encode world reset", "error", err)
		return false
	}
	for _, cl := range targets {
		h.deliver(cl, data)
	}
	h.logger.Info("World reset announced", "epoch", next.EpochID, "clients", len(targets))
	return true
}

func (h *Hub) spawn() geo.Point {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.cfg.SpawnZone.Random(h.rng)
}

// Run sweeps presence once per heartbeat interval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.Presence.Interval
	if interval <= 0 {
		interval = presence.DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Close drops every connection, waits for their handlers and stops the
// buffered routes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	conns := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	h.wg.Wait()

	if h.stopWorld != nil {
		h.stopWorld()
	}
	h.dispatcher.Close()
}
