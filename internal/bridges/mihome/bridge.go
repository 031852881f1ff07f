package mihome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a single write or read sent to a gateway.
	commandTimeout = 5 * time.Second

	// historyTimeout bounds a single history insert.
	historyTimeout = 2 * time.Second
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// BridgeTransport is the transport as seen by the bridge.
type BridgeTransport interface {
	MessageTransport
	Stats() TransportStats
}

// HistoryRecorder stores device reports. Optional.
// Satisfied by *device.SQLiteHistoryRepository.
type HistoryRecorder interface {
	RecordReport(ctx context.Context, sid, gateway, command string, state map[string]any) error
	RecordGatewayEvent(ctx context.Context, gateway, state, reason string) error
}

// MetricsWriter receives telemetry. Optional.
// Satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
	WriteGatewayStatus(gateway string, online bool)
}

// EventType names a bridge event.
type EventType string

// Bridge event types.
const (
	EventItemUpdated   EventType = "item.updated"
	EventGatewayStatus EventType = "gateway.status"
	EventDiscovery     EventType = "discovery.completed"
)

// Event is delivered to observers for every item update, gateway status
// change and completed scan.
type Event struct {
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	State     *StateMessage         `json:"state,omitempty"`
	Gateway   *GatewayStatusMessage `json:"gateway,omitempty"`
	Discovery *DiscoveryMessage     `json:"discovery,omitempty"`
}

// BridgeConfig holds bridge settings.
type BridgeConfig struct {
	// ID identifies the bridge in health and discovery messages.
	ID string

	// Version is reported in health messages.
	Version string

	Gateways []GatewayConfig

	LivenessInterval     time.Duration
	GatewayOnlineTimeout time.Duration
	DeviceOnlineTimeout  time.Duration
	DiscoveryInterval    time.Duration
	ScanTimeout          time.Duration
	HealthInterval       time.Duration
}

// BridgeOptions holds dependencies for creating a bridge.
type BridgeOptions struct {
	Config     BridgeConfig
	MQTTClient MQTTClient
	Transport  BridgeTransport

	// Encrypt overrides the write key derivation. Defaults to EncryptToken.
	Encrypt Encryptor

	// History is optional; nil disables report history.
	History HistoryRecorder

	// Metrics is optional; nil disables telemetry.
	Metrics MetricsWriter

	Logger Logger
}

// GatewayInfo describes one gateway session.
type GatewayInfo struct {
	SID      string       `json:"sid"`
	Host     string       `json:"host"`
	Port     int          `json:"port"`
	State    SessionState `json:"state"`
	Online   bool         `json:"online"`
	HasToken bool         `json:"has_token"`
	Devices  int          `json:"devices"`
	LastSeen *time.Time   `json:"last_seen,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// DeviceInfo describes one device in a gateway directory.
type DeviceInfo struct {
	SID       string         `json:"sid"`
	Gateway   string         `json:"gateway"`
	Model     string         `json:"model"`
	ThingType ThingType      `json:"thing_type"`
	Label     string         `json:"label"`
	State     map[string]any `json:"state"`
	Online    bool           `json:"online"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BridgeMetrics contains metrics data for the API health endpoint.
type BridgeMetrics struct {
	Status         string         `json:"status"`
	GatewaysOnline int            `json:"gateways_online"`
	GatewaysTotal  int            `json:"gateways_total"`
	Devices        int            `json:"devices"`
	Transport      TransportStats `json:"transport"`
}

// Bridge connects gateway sessions to the Gray Logic MQTT bus.
// It handles:
//   - One Session per configured gateway on a shared Transport
//   - Publishing device state, gateway status and scan results to MQTT
//   - Executing write/read commands and answering requests from Core
//   - Recording reports to history and telemetry, and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       BridgeConfig
	mqtt      MQTTClient
	transport BridgeTransport
	health    *HealthReporter
	history   HistoryRecorder
	metrics   MetricsWriter

	sessions       map[string]*Session
	order          []string
	deviceScanners map[string]*DeviceScanner
	gatewayScanner *GatewayScanner

	subsMu sync.Mutex
	subs   map[string]*ItemSubscription

	// State cache for change detection
	stateCache   map[string]map[string]any
	stateCacheMu sync.Mutex

	observersMu sync.RWMutex
	observers   []func(Event)

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	log logSink
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Config.ID == "" {
		opts.Config.ID = Protocol
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:            opts.Config,
		mqtt:           opts.MQTTClient,
		transport:      opts.Transport,
		history:        opts.History,
		metrics:        opts.Metrics,
		sessions:       make(map[string]*Session),
		deviceScanners: make(map[string]*DeviceScanner),
		subs:           make(map[string]*ItemSubscription),
		stateCache:     make(map[string]map[string]any),
		done:           make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
	}
	b.log.set(opts.Logger)

	scanOpts := ScannerOptions{
		Timeout: opts.Config.ScanTimeout,
		Logger:  opts.Logger,
	}

	for _, gw := range opts.Config.Gateways {
		if _, dup := b.sessions[gw.SID]; dup {
			ctxCancel()
			return nil, fmt.Errorf("%w: duplicate gateway sid %q", ErrConfiguration, gw.SID)
		}
		s := NewSession(SessionOptions{
			Gateway:              gw,
			Transport:            opts.Transport,
			Encrypt:              opts.Encrypt,
			OnStatus:             b.handleGatewayStatus,
			LivenessInterval:     opts.Config.LivenessInterval,
			GatewayOnlineTimeout: opts.Config.GatewayOnlineTimeout,
			DeviceOnlineTimeout:  opts.Config.DeviceOnlineTimeout,
			DiscoveryInterval:    opts.Config.DiscoveryInterval,
			Logger:               opts.Logger,
		})
		b.sessions[gw.SID] = s
		b.order = append(b.order, gw.SID)
		b.deviceScanners[gw.SID] = NewDeviceScanner(s, scanOpts)
	}
	b.gatewayScanner = NewGatewayScanner(opts.Transport, scanOpts)

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.ID,
		Version:   opts.Config.Version,
		Interval:  opts.Config.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start starts every gateway session, subscribes to command and request
// topics, and starts health reporting.
//
// A gateway with a configuration error is reported offline and skipped.
// Start fails only if no session could register on the transport.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.log.get().Error("failed to publish starting status", "error", err)
	}

	var transportErr error
	started := 0
	for _, gwID := range b.order {
		s := b.sessions[gwID]
		if err := s.Start(ctx); err != nil {
			b.log.get().Error("gateway session failed to start", "gateway", gwID, "error", err)
			if errors.Is(err, ErrTransport) {
				transportErr = err
			}
			continue
		}
		started++

		sub, err := s.RegisterItemListener(ctx, b.itemListener(gwID))
		if err != nil {
			return fmt.Errorf("register item listener for %s: %w", gwID, err)
		}
		b.subsMu.Lock()
		b.subs[gwID] = sub
		b.subsMu.Unlock()
	}
	if started == 0 && transportErr != nil {
		return transportErr
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.log.get().Info("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.log.get().Info("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.log.get().Error("failed to publish health", "error", err)
	}

	b.log.get().Info("bridge started", "bridge_id", b.cfg.ID, "gateways", len(b.order), "started", started)
	return nil
}

// Stop gracefully shuts down the bridge. The transport is left open for
// its owner to close.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.StopScans()

		b.subsMu.Lock()
		for gwID, sub := range b.subs {
			b.sessions[gwID].UnregisterItemListener(sub)
		}
		b.subs = make(map[string]*ItemSubscription)
		b.subsMu.Unlock()

		for _, gwID := range b.order {
			b.sessions[gwID].Stop()
		}

		b.health.Stop()
		b.wg.Wait()

		b.log.get().Info("bridge stopped")
	})
}

// SetLogger sets the logger for the bridge and its sessions.
func (b *Bridge) SetLogger(logger Logger) {
	b.log.set(logger)
	b.health.SetLogger(logger)
	for _, s := range b.sessions {
		s.SetLogger(logger)
	}
}

// AddObserver registers fn to receive bridge events. fn is called
// synchronously from the delivering goroutine and must not block.
func (b *Bridge) AddObserver(fn func(Event)) {
	if fn == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, fn)
	b.observersMu.Unlock()
}

func (b *Bridge) emit(ev Event) {
	b.observersMu.RLock()
	observers := b.observers
	b.observersMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func (b *Bridge) itemListener(gwID string) ItemListener {
	return ItemListenerFunc(func(sid, command string, msg *Message) {
		b.handleItemUpdate(gwID, sid, command, msg)
	})
}

// handleItemUpdate publishes and records a device update.
func (b *Bridge) handleItemUpdate(gwID, sid, command string, msg *Message) {
	if sid == "" || !msg.HasData() {
		return
	}

	state, err := msg.DataObject()
	if err != nil {
		b.log.get().Warn("undecodable device payload", "gateway", gwID, "sid", sid, "cmd", command, "error", err)
		return
	}

	session := b.sessions[gwID]
	model := msg.Model
	if model == "" {
		if rec, ok := session.Device(sid); ok {
			model = rec.Model
		}
	}
	thingType, _ := ResolveModel(model) //nolint:errcheck // Unknown models publish without a thing type

	sm := StateMessage{
		DeviceID:  sid,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Gateway:   gwID,
		Model:     model,
		ThingType: thingType,
		Command:   command,
		Online:    session.IsDeviceOnline(sid),
	}

	if b.stateUnchanged(sid, state) {
		return
	}

	b.publishJSON(StateTopic(sid), sm, true)
	b.emit(Event{Type: EventItemUpdated, Timestamp: sm.Timestamp, State: &sm})

	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
		if err := b.history.RecordReport(ctx, sid, gwID, command, state); err != nil {
			b.log.get().Warn("failed to record report", "sid", sid, "error", err)
		}
		cancel()
	}

	if b.metrics != nil {
		for field, v := range state {
			if f, ok := numericValue(v); ok {
				b.metrics.WriteDeviceMetric(sid, field, f)
			}
		}
	}
}

// numericValue converts a payload value to float64. Gateways send most
// sensor readings as numeric strings ("2150").
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// stateUnchanged reports whether every field in state matches the cache,
// then merges state into the cache.
func (b *Bridge) stateUnchanged(sid string, state map[string]any) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	cached := b.stateCache[sid]
	if cached == nil {
		cached = make(map[string]any)
		b.stateCache[sid] = cached
	}

	unchanged := len(state) > 0
	for k, v := range state {
		if old, ok := cached[k]; !ok || !valuesEqual(old, v) {
			unchanged = false
		}
		cached[k] = v
	}
	return unchanged
}

// valuesEqual compares decoded JSON values. Nested objects are compared
// by their encoding.
func valuesEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		ab, errA := json.Marshal(a)
		bb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ab) == string(bb)
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

// ClearStateCache drops the change-detection cache so the next update for
// every device is published.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	b.stateCache = make(map[string]map[string]any)
}

// handleGatewayStatus publishes a session's online/offline transition.
func (b *Bridge) handleGatewayStatus(gwID string, state SessionState, reason string) {
	msg := GatewayStatusMessage{
		Gateway:   gwID,
		Timestamp: time.Now().UTC(),
		Status:    state.String(),
		Reason:    reason,
	}
	b.publishJSON(GatewayStatusTopic(gwID), msg, true)
	b.emit(Event{Type: EventGatewayStatus, Timestamp: msg.Timestamp, Gateway: &msg})

	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
		if err := b.history.RecordGatewayEvent(ctx, gwID, msg.Status, reason); err != nil {
			b.log.get().Warn("failed to record gateway event", "gateway", gwID, "error", err)
		}
		cancel()
	}
	if b.metrics != nil {
		b.metrics.WriteGatewayStatus(gwID, state == StateOnline)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.log.get().Error("invalid topic format", "topic", topic)
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	case "request":
		// Scans block for the scan timeout; keep the MQTT callback free.
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleRequest(payload)
		}()
	default:
		b.log.get().Error("unknown message type", "topic", topic)
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.log.get().Error("failed to parse command", "error", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.log.get().Info("received command", "command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	gwID, err := b.Execute(ctx, cmd)
	if err != nil {
		b.publishAck(NewAckError(cmd, gwID, ErrorCode(err), err.Error()))
		b.log.get().Warn("command failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "error", err)
		return
	}
	b.publishAck(NewAckMessage(cmd, AckAccepted, gwID))
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(AckTopic(ack.DeviceID), ack, false)
}

// Execute runs a device command through the owning gateway session.
//
// Commands:
//   - "write": writes cmd.Parameters (sorted by name) to the device
//   - "on", "off": writes {"status": "on"|"off"}
//   - "read": requests a read_ack for the device
//
// Returns:
//   - string: The gateway sid that handled the command
//   - error: ErrUnknownDevice, ErrUnsupportedCommand, ErrEncode, ErrNotReady,
//     ErrConfiguration or ErrSend
func (b *Bridge) Execute(ctx context.Context, cmd CommandMessage) (string, error) {
	session, ok := b.sessionFor(cmd.DeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	}
	gwID := session.GatewayID()

	switch cmd.Command {
	case "write":
		keys, values, err := writeFields(cmd.Parameters)
		if err != nil {
			return gwID, err
		}
		return gwID, session.Write(ctx, cmd.DeviceID, keys, values)
	case "on", "off":
		return gwID, session.Write(ctx, cmd.DeviceID, []string{"status"}, []any{cmd.Command})
	case "read":
		return gwID, session.Read(ctx, cmd.DeviceID)
	default:
		return gwID, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Command)
	}
}

func writeFields(params map[string]any) ([]string, []any, error) {
	if len(params) == 0 {
		return nil, nil, fmt.Errorf("%w: write needs at least one parameter", ErrEncode)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = params[k]
	}
	return keys, values, nil
}

// sessionFor finds the session whose directory holds sid. A gateway's own
// sid resolves to its session.
func (b *Bridge) sessionFor(sid string) (*Session, bool) {
	if s, ok := b.sessions[sid]; ok {
		return s, true
	}
	for _, gwID := range b.order {
		s := b.sessions[gwID]
		if _, ok := s.Device(sid); ok {
			return s, true
		}
	}
	return nil, false
}

// ErrorCode maps a bridge error to an ack/response error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotReady):
		return ErrCodeNotReady
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrConfiguration):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrEncode):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrSend), errors.Is(err, ErrTransport):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrDecode):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.get().Error("failed to parse request", "error", err)
		return
	}

	b.log.get().Info("received request", "request_id", req.RequestID, "action", req.Action)

	data, err := b.runRequest(req)
	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
		Data:      data,
	}
	if err != nil {
		resp.Error = &ResponseError{Code: ErrorCode(err), Message: err.Error()}
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

func (b *Bridge) runRequest(req RequestMessage) (map[string]any, error) {
	gateway, _ := req.Parameters["gateway"].(string) //nolint:errcheck // Optional parameter

	switch req.Action {
	case "read_state":
		if req.DeviceID == "" {
			return nil, fmt.Errorf("%w: device_id is required", ErrEncode)
		}
		info, err := b.Device(req.DeviceID)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if err := b.sessions[info.Gateway].Read(ctx, req.DeviceID); err != nil {
			b.log.get().Warn("read request failed", "sid", req.DeviceID, "error", err)
		}
		return map[string]any{"device": info}, nil
	case "list_devices":
		devices, err := b.Devices(gateway)
		if err != nil {
			return nil, err
		}
		return map[string]any{"devices": devices}, nil
	case "list_gateways":
		return map[string]any{"gateways": b.Gateways()}, nil
	case "discover":
		found, err := b.ScanDevices(b.ctx, gateway)
		if err != nil {
			return nil, err
		}
		return map[string]any{"candidates": found}, nil
	case "discover_gateways":
		found, err := b.ScanGateways(b.ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"candidates": found}, nil
	case "discovery_results":
		return map[string]any{"candidates": b.DiscoveryResults()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrUnsupportedCommand, req.Action)
	}
}

// ScanGateways runs a gateway scan and publishes the result.
func (b *Bridge) ScanGateways(ctx context.Context) ([]Candidate, error) {
	found, err := b.gatewayScanner.StartScan(ctx)
	if err != nil && !isScanEnd(err) {
		return nil, err
	}
	b.publishDiscovery(DiscoveryKindGateways, found)
	return found, nil
}

// ScanDevices runs device scans concurrently on one gateway, or on every
// started gateway when gateway is empty, and publishes the result.
func (b *Bridge) ScanDevices(ctx context.Context, gateway string) ([]Candidate, error) {
	var targets []*DeviceScanner
	if gateway != "" {
		sc, ok := b.deviceScanners[gateway]
		if !ok {
			return nil, fmt.Errorf("%w: gateway %s", ErrUnknownDevice, gateway)
		}
		targets = append(targets, sc)
	} else {
		for _, gwID := range b.order {
			if b.sessions[gwID].State() == StateUninitialized || b.sessions[gwID].ConfigError() != nil {
				continue
			}
			targets = append(targets, b.deviceScanners[gwID])
		}
	}

	results := make([][]Candidate, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range targets {
		g.Go(func() error {
			found, err := sc.StartScan(gctx)
			results[i] = found
			if err != nil && !isScanEnd(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	b.publishDiscovery(DiscoveryKindDevices, all)
	return all, nil
}

// DiscoveryResults returns the candidates the scanners still retain:
// gateways first, then devices per gateway in configuration order.
// StopScans drops candidates not seen by the scan it stopped.
func (b *Bridge) DiscoveryResults() []Candidate {
	out := b.gatewayScanner.Results()
	for _, gwID := range b.order {
		out = append(out, b.deviceScanners[gwID].Results()...)
	}
	return out
}

// StopScans cancels every running scan.
func (b *Bridge) StopScans() {
	b.gatewayScanner.StopScan()
	for _, sc := range b.deviceScanners {
		sc.StopScan()
	}
}

func isScanEnd(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *Bridge) publishDiscovery(kind string, found []Candidate) {
	if found == nil {
		found = []Candidate{}
	}
	msg := DiscoveryMessage{
		ScanID:     uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Bridge:     b.cfg.ID,
		Kind:       kind,
		Candidates: found,
	}
	b.publishJSON(DiscoveryTopic(), msg, false)
	b.emit(Event{Type: EventDiscovery, Timestamp: msg.Timestamp, Discovery: &msg})
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.get().Error("failed to marshal message", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.log.get().Error("failed to publish", "topic", topic, "error", err)
	}
}

// Gateways returns every configured gateway in configuration order.
func (b *Bridge) Gateways() []GatewayInfo {
	out := make([]GatewayInfo, 0, len(b.order))
	for _, gwID := range b.order {
		out = append(out, b.gatewayInfo(b.sessions[gwID]))
	}
	return out
}

// Gateway returns one gateway.
func (b *Bridge) Gateway(sid string) (GatewayInfo, error) {
	s, ok := b.sessions[sid]
	if !ok {
		return GatewayInfo{}, fmt.Errorf("%w: gateway %s", ErrUnknownDevice, sid)
	}
	return b.gatewayInfo(s), nil
}

func (b *Bridge) gatewayInfo(s *Session) GatewayInfo {
	gw := s.Gateway()
	info := GatewayInfo{
		SID:      gw.SID,
		Host:     gw.Host,
		Port:     gw.Port,
		State:    s.State(),
		Online:   s.IsGatewayOnline(),
		HasToken: s.HasToken(),
		Devices:  len(s.Devices()),
	}
	if t, ok := s.LastSeen(gw.SID); ok {
		info.LastSeen = &t
	}
	if err := s.ConfigError(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Devices returns the directory of one gateway, or of all gateways when
// gateway is empty.
func (b *Bridge) Devices(gateway string) ([]DeviceInfo, error) {
	var sessions []*Session
	if gateway != "" {
		s, ok := b.sessions[gateway]
		if !ok {
			return nil, fmt.Errorf("%w: gateway %s", ErrUnknownDevice, gateway)
		}
		sessions = append(sessions, s)
	} else {
		for _, gwID := range b.order {
			sessions = append(sessions, b.sessions[gwID])
		}
	}

	out := make([]DeviceInfo, 0)
	for _, s := range sessions {
		for _, rec := range s.Devices() {
			out = append(out, deviceInfo(s, rec))
		}
	}
	return out, nil
}

// Device returns one device from whichever gateway directory holds it.
func (b *Bridge) Device(sid string) (DeviceInfo, error) {
	for _, gwID := range b.order {
		s := b.sessions[gwID]
		if rec, ok := s.Device(sid); ok {
			return deviceInfo(s, rec), nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: %s", ErrUnknownDevice, sid)
}

func deviceInfo(s *Session, rec DeviceRecord) DeviceInfo {
	state, err := rec.Data()
	if err != nil {
		state = map[string]any{}
	}
	info := DeviceInfo{
		SID:       rec.SID,
		Gateway:   s.GatewayID(),
		Model:     rec.Model,
		ThingType: rec.ThingType,
		Label:     ModelLabel(rec.Model),
		State:     state,
		Online:    s.IsDeviceOnline(rec.SID),
		UpdatedAt: rec.UpdatedAt,
	}
	if t, ok := s.LastSeen(rec.SID); ok {
		info.LastSeen = &t
	}
	return info
}

// TransportStats implements HealthSource.
func (b *Bridge) TransportStats() TransportStats {
	return b.transport.Stats()
}

// GatewayHealth implements HealthSource.
func (b *Bridge) GatewayHealth() []GatewayHealth {
	out := make([]GatewayHealth, 0, len(b.order))
	for _, gwID := range b.order {
		s := b.sessions[gwID]
		out = append(out, GatewayHealth{Gateway: gwID, State: s.State(), Devices: len(s.Devices())})
	}
	return out
}

// Metrics returns current bridge metrics for the API health endpoint.
func (b *Bridge) Metrics() BridgeMetrics {
	m := BridgeMetrics{
		GatewaysTotal: len(b.order),
		Transport:     b.transport.Stats(),
	}
	for _, gwID := range b.order {
		s := b.sessions[gwID]
		if s.IsGatewayOnline() {
			m.GatewaysOnline++
		}
		m.Devices += len(s.Devices())
	}
	status, _ := b.health.determineStatus()
	m.Status = string(status)
	return m
}
