package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mihome/internal/auth"
	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/logging"
)

// Frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Channel names clients subscribe to. ChannelAll receives every event.
const (
	ChannelItemUpdated   = string(mihome.EventItemUpdated)
	ChannelGatewayStatus = string(mihome.EventGatewayStatus)
	ChannelDiscovery     = string(mihome.EventDiscovery)
	ChannelAll           = "*"
)

// WSMessage is the envelope for every frame in both directions.
//
// Bridge events set Channel and, when the event belongs to one gateway,
// Gateway. Item updates also set Device.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
//
// Gateways narrows delivery to events from the listed gateway SIDs. With no
// gateway filter every gateway's events are delivered. Events that belong to
// no gateway, such as gateway discovery scans, pass any gateway filter.
type WSSubscribePayload struct {
	Channels []string `json:"channels,omitempty"`
	Gateways []string `json:"gateways,omitempty"`
}

func isKnownChannel(ch string) bool {
	switch ch {
	case ChannelItemUpdated, ChannelGatewayStatus, ChannelDiscovery, ChannelAll:
		return true
	}
	return false
}

// eventFrame converts a bridge event to its outbound frame. It reports false
// for events with no payload of the expected kind.
func eventFrame(ev mihome.Event) (WSMessage, bool) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := WSMessage{
		Type:      WSTypeEvent,
		Channel:   string(ev.Type),
		Timestamp: ts.UTC().Format(time.RFC3339),
	}

	switch ev.Type {
	case mihome.EventItemUpdated:
		if ev.State == nil {
			return WSMessage{}, false
		}
		msg.Gateway = ev.State.Gateway
		msg.Device = ev.State.DeviceID
		msg.Payload = ev.State
	case mihome.EventGatewayStatus:
		if ev.Gateway == nil {
			return WSMessage{}, false
		}
		msg.Gateway = ev.Gateway.Gateway
		msg.Payload = ev.Gateway
	case mihome.EventDiscovery:
		if ev.Discovery == nil {
			return WSMessage{}, false
		}
		msg.Gateway = discoveryGateway(ev.Discovery)
		msg.Payload = ev.Discovery
	default:
		return WSMessage{}, false
	}
	return msg, true
}

// discoveryGateway returns the gateway a device scan ran on, or "" for
// gateway scans and scans spanning several gateways.
func discoveryGateway(d *mihome.DiscoveryMessage) string {
	if d.Kind != mihome.DiscoveryKindDevices || len(d.Candidates) == 0 {
		return ""
	}
	gw := d.Candidates[0].Gateway
	for _, c := range d.Candidates[1:] {
		if c.Gateway != gw {
			return ""
		}
	}
	return gw
}

// wsFilter is one client's subscription state.
type wsFilter struct {
	mu       sync.RWMutex
	channels map[string]struct{}
	gateways map[string]struct{}
}

func newWSFilter() *wsFilter {
	return &wsFilter{
		channels: make(map[string]struct{}),
		gateways: make(map[string]struct{}),
	}
}

func (f *wsFilter) add(sub WSSubscribePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range sub.Channels {
		f.channels[ch] = struct{}{}
	}
	for _, gw := range sub.Gateways {
		f.gateways[gw] = struct{}{}
	}
}

func (f *wsFilter) remove(sub WSSubscribePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(f.channels, ch)
	}
	for _, gw := range sub.Gateways {
		delete(f.gateways, gw)
	}
}

func (f *wsFilter) matches(channel, gateway string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, all := f.channels[ChannelAll]
	_, named := f.channels[channel]
	if !all && !named {
		return false
	}
	if len(f.gateways) == 0 || gateway == "" {
		return true
	}
	_, ok := f.gateways[gateway]
	return ok
}

// snapshot returns the current subscription, sorted.
func (f *wsFilter) snapshot() WSSubscribePayload {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return WSSubscribePayload{Channels: sortedKeys(f.channels), Gateways: sortedKeys(f.gateways)}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Hub fans bridge events out to connected WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	filter  *wsFilter
	dropped atomic.Uint64

	subject string
	role    auth.Role
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is applied by the CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) newClient(conn *websocket.Conn, claims *auth.Claims) *WSClient {
	return &WSClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		filter:  newWSFilter(),
		subject: claims.Subject,
		role:    claims.Role,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", client.subject, "role", client.role, "clients", n)
}

// Unregister removes a client. The send channel is closed only by the call
// that removed the client from the map.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}
	close(client.send)
	h.logger.Debug("websocket client disconnected",
		"subject", client.subject,
		"dropped_frames", client.dropped.Load(),
		"clients", n,
	)
}

// Publish delivers a bridge event to every client whose subscription
// matches its channel and gateway.
func (h *Hub) Publish(ev mihome.Event) {
	msg, ok := eventFrame(ev)
	if !ok {
		h.logger.Debug("ignoring bridge event", "type", ev.Type)
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "channel", msg.Channel, "error", err)
		return
	}

	// Client filters are checked after the hub lock is released.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	recipients := 0
	for _, c := range clients {
		if c.filter.matches(msg.Channel, msg.Gateway) {
			c.trySend(data)
			recipients++
		}
	}
	if recipients > 0 {
		h.logger.Debug("websocket event sent", "channel", msg.Channel, "gateway", msg.Gateway, "recipients", recipients)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// relayEvent is registered as a bridge observer.
func (s *Server) relayEvent(ev mihome.Event) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}

// handleWebSocket upgrades the connection after validating the token from
// the "token" query parameter or a Bearer header. Browsers cannot set
// headers on a WebSocket handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeUnauthorized(w, "token is required")
		return
	}
	claims, ok := s.validateToken(w, token)
	if !ok {
		return
	}
	if !auth.HasPermission(claims.Role, auth.PermDeviceRead) {
		writeForbidden(w, "role "+string(claims.Role)+" lacks "+string(auth.PermDeviceRead))
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "websocket hub not running")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.newClient(conn, claims)
	s.hub.Register(client)

	t := newWSTimings(s.wsCfg)
	go client.writeLoop(t)
	go client.readLoop(t, int64(s.wsCfg.MaxMessageSize))
}

// wsTimings holds the keepalive durations derived from config.
type wsTimings struct {
	ping time.Duration
	pong time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		ping: time.Duration(cfg.PingInterval) * time.Second,
		pong: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

// readDeadline is when the connection is considered dead without traffic.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.ping + t.pong)
}

// readLoop handles client frames until the connection fails.
func (c *WSClient) readLoop(t wsTimings, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error ends the loop
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Any frame counts as liveness; some browsers never answer pings.
		c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error ends the loop
		c.handleFrame(data)
	}
}

// writeLoop drains the send queue and pings on the keepalive interval.
func (c *WSClient) writeLoop(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(t.pong)) //nolint:errcheck // write error follows
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // connection is closing
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleFrame(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.ID, msg.Payload)
	case WSTypeUnsubscribe:
		c.filter.remove(msg.Payload)
		c.reply(msg.ID, WSTypeResponse, c.filter.snapshot())
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// subscribe validates and applies a subscription. The response carries the
// client's full subscription after the change.
func (c *WSClient) subscribe(id string, sub WSSubscribePayload) {
	for _, ch := range sub.Channels {
		if !isKnownChannel(ch) {
			c.sendError(id, "unknown channel: "+ch)
			return
		}
	}
	for _, gw := range sub.Gateways {
		if gw == "" {
			c.sendError(id, "empty gateway sid")
			return
		}
	}

	c.filter.add(sub)
	current := c.filter.snapshot()
	c.hub.logger.Info("websocket client subscribed",
		"subject", c.subject,
		"channels", current.Channels,
		"gateways", current.Gateways,
	)
	c.reply(id, WSTypeResponse, current)
}

// trySend queues data without blocking. A full queue drops the frame; a
// closed queue means the client already disconnected.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on closed channel after disconnect
	}()

	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
