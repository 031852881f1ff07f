package mihome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Session timing defaults.
const (
	// DefaultLivenessInterval is how often gateway liveness is evaluated.
	DefaultLivenessInterval = 10 * time.Second

	// DefaultGatewayOnlineTimeout is how long a gateway stays online
	// without a message. Gateways heartbeat every 10s.
	DefaultGatewayOnlineTimeout = 30 * time.Second

	// DefaultDeviceOnlineTimeout is how long a device stays online without
	// a message. Battery sensors heartbeat roughly hourly.
	DefaultDeviceOnlineTimeout = 24 * time.Hour

	// DefaultDiscoveryInterval is the minimum gap between get_id_list
	// requests triggered through Discover.
	DefaultDiscoveryInterval = 10 * time.Second
)

// SessionState is the lifecycle state of a gateway session.
type SessionState int

// Session states.
const (
	StateUninitialized SessionState = iota
	StateDiscovering
	StateOnline
	StateOffline
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "uninitialized"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "uninitialized":
		*s = StateUninitialized
	case "discovering":
		*s = StateDiscovering
	case "online":
		*s = StateOnline
	case "offline":
		*s = StateOffline
	default:
		return fmt.Errorf("mihome: unknown session state %q", text)
	}
	return nil
}

// GatewayConfig identifies one gateway.
type GatewayConfig struct {
	// SID is the gateway's own device id (its serial number).
	SID string

	// Host is the gateway IP address or hostname.
	Host string

	// Port is the gateway's unicast UDP port, normally 9898.
	Port int

	// Key is the developer key set in the Mi Home app. Required for writes.
	Key string
}

// Validate checks the identity and address fields.
func (g GatewayConfig) Validate() error {
	switch {
	case g.SID == "":
		return fmt.Errorf("%w: gateway sid is required", ErrConfiguration)
	case g.Host == "":
		return fmt.Errorf("%w: gateway %s: host is required", ErrConfiguration, g.SID)
	case g.Port < 1 || g.Port > 65535:
		return fmt.Errorf("%w: gateway %s: port %d out of range", ErrConfiguration, g.SID, g.Port)
	}
	return nil
}

// StatusFunc receives gateway status changes. State is StateOnline or
// StateOffline; reason is set for configuration and transport failures.
type StatusFunc func(sid string, state SessionState, reason string)

// ItemListener receives device updates from a Session.
//
// OnItemUpdate is called with the device id, the command that carried the
// update and the message itself. Listeners must not register or unregister
// item listeners from inside the callback.
type ItemListener interface {
	OnItemUpdate(sid, command string, msg *Message)
}

// ItemListenerFunc adapts a function to the ItemListener interface.
type ItemListenerFunc func(sid, command string, msg *Message)

// OnItemUpdate calls f.
func (f ItemListenerFunc) OnItemUpdate(sid, command string, msg *Message) { f(sid, command, msg) }

// ItemSubscription identifies a registered item listener.
type ItemSubscription struct {
	id uint64
}

type itemEntry struct {
	id       uint64
	listener ItemListener
}

// DeviceRecord is the last read_ack payload received for a device.
type DeviceRecord struct {
	SID       string
	Model     string
	ThingType ThingType
	Message   *Message
	UpdatedAt time.Time
}

// Data decodes the record's payload.
func (d DeviceRecord) Data() (map[string]any, error) {
	if d.Message == nil {
		return map[string]any{}, nil
	}
	return d.Message.DataObject()
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Gateway   GatewayConfig
	Transport MessageTransport

	// Encrypt derives write keys. Defaults to EncryptToken.
	Encrypt Encryptor

	// OnStatus receives online/offline transitions. Optional.
	OnStatus StatusFunc

	LivenessInterval     time.Duration
	GatewayOnlineTimeout time.Duration
	DeviceOnlineTimeout  time.Duration
	DiscoveryInterval    time.Duration

	// Clock overrides time.Now. Used by tests.
	Clock func() time.Time

	Logger Logger
}

// statusChange is a pending StatusFunc call, emitted outside the lock.
type statusChange struct {
	state  SessionState
	reason string
}

// Session owns the protocol conversation with one gateway: device
// enumeration, reads, encrypted writes, token tracking and liveness.
//
// A Session registers on the shared Transport at Start and keeps a device
// directory fed by read_ack messages. Every message bearing a sid refreshes
// that id's last-seen time; ONLINE and OFFLINE are derived from the
// gateway's own last-seen time by a periodic check.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	gw        GatewayConfig
	transport MessageTransport
	encrypt   Encryptor
	onStatus  StatusFunc

	livenessInterval     time.Duration
	gatewayOnlineTimeout time.Duration
	deviceOnlineTimeout  time.Duration
	discoveryInterval    time.Duration

	now func() time.Time
	log logSink

	// gatewayIP filters messages by sender. Nil accepts any sender.
	gatewayIP net.IP

	mu            sync.RWMutex
	state         SessionState
	reported      SessionState
	responseSeen  bool
	configErr     error
	token         string
	directory     map[string]DeviceRecord
	lastSeen      map[string]time.Time
	lastDiscovery time.Time
	reg           *Registration
	listeners     []itemEntry // copy-on-write
	nextID        uint64

	// deliverMu serialises directory replay with live fan-out so a new
	// listener sees the replay before any live update.
	deliverMu sync.Mutex

	stopOnce sync.Once
	done     *closeOnce
	wg       sync.WaitGroup
}

// NewSession creates a session for one gateway. The gateway configuration
// is validated by Start, so a misconfigured session can still report its
// error status.
func NewSession(opts SessionOptions) *Session {
	s := &Session{
		gw:                   opts.Gateway,
		transport:            opts.Transport,
		encrypt:              opts.Encrypt,
		onStatus:             opts.OnStatus,
		livenessInterval:     opts.LivenessInterval,
		gatewayOnlineTimeout: opts.GatewayOnlineTimeout,
		deviceOnlineTimeout:  opts.DeviceOnlineTimeout,
		discoveryInterval:    opts.DiscoveryInterval,
		now:                  opts.Clock,
		directory:            make(map[string]DeviceRecord),
		lastSeen:             make(map[string]time.Time),
		done:                 newCloseOnce(),
	}
	if s.encrypt == nil {
		s.encrypt = EncryptToken
	}
	if s.livenessInterval <= 0 {
		s.livenessInterval = DefaultLivenessInterval
	}
	if s.gatewayOnlineTimeout <= 0 {
		s.gatewayOnlineTimeout = DefaultGatewayOnlineTimeout
	}
	if s.deviceOnlineTimeout <= 0 {
		s.deviceOnlineTimeout = DefaultDeviceOnlineTimeout
	}
	if s.discoveryInterval <= 0 {
		s.discoveryInterval = DefaultDiscoveryInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log.set(opts.Logger)
	return s
}

// SetLogger sets the logger for session events.
func (s *Session) SetLogger(logger Logger) {
	s.log.set(logger)
}

// GatewayID returns the gateway's sid.
func (s *Session) GatewayID() string {
	return s.gw.SID
}

// Gateway returns the gateway identity with the key removed.
func (s *Session) Gateway() GatewayConfig {
	g := s.gw
	g.Key = ""
	return g
}

// Start validates the configuration, registers on the transport, starts the
// liveness loop and requests the device list.
//
// A configuration error is reported once through OnStatus as StateOffline
// and returned; the session is not retried.
//
// Returns:
//   - error: ErrConfiguration, or ErrTransport if registration fails
func (s *Session) Start(ctx context.Context) error {
	if err := s.gw.Validate(); err != nil {
		s.failConfig(err)
		return err
	}
	if s.transport == nil {
		err := fmt.Errorf("%w: gateway %s: no transport", ErrConfiguration, s.gw.SID)
		s.failConfig(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return fmt.Errorf("mihome: session %s already started", s.gw.SID)
	}
	s.state = StateDiscovering
	s.mu.Unlock()

	s.gatewayIP = s.resolveGatewayIP(ctx)

	reg, err := s.transport.Register(ctx, s)
	if err != nil {
		s.mu.Lock()
		s.state = StateOffline
		s.reported = StateOffline
		s.mu.Unlock()
		s.emitStatus(&statusChange{state: StateOffline, reason: err.Error()})
		return err
	}

	s.mu.Lock()
	s.reg = reg
	s.mu.Unlock()

	s.wg.Add(1)
	go s.livenessLoop()

	s.log.get().Info("gateway session started", "gateway", s.gw.SID, "host", s.gw.Host, "port", s.gw.Port)

	if err := s.ForceDiscovery(ctx); err != nil {
		s.log.get().Warn("initial discovery failed", "gateway", s.gw.SID, "error", err)
	}
	return nil
}

func (s *Session) failConfig(err error) {
	s.mu.Lock()
	s.configErr = err
	s.state = StateOffline
	s.reported = StateOffline
	s.mu.Unlock()

	s.log.get().Error("gateway configuration error", "gateway", s.gw.SID, "error", err)
	s.emitStatus(&statusChange{state: StateOffline, reason: err.Error()})
}

// resolveGatewayIP returns the address messages are accepted from.
func (s *Session) resolveGatewayIP(ctx context.Context) net.IP {
	if ip := net.ParseIP(s.gw.Host); ip != nil {
		return ip
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", s.gw.Host)
	if err != nil || len(ips) == 0 {
		s.log.get().Warn("cannot resolve gateway host, accepting messages from any sender",
			"gateway", s.gw.SID, "host", s.gw.Host, "error", err)
		return nil
	}
	return ips[0]
}

// Stop unregisters from the transport and stops the liveness loop.
// Safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.done.Close()

		s.mu.Lock()
		reg := s.reg
		s.reg = nil
		s.mu.Unlock()

		if reg != nil {
			s.transport.Unregister(reg)
		}
		s.wg.Wait()

		s.log.get().Info("gateway session stopped", "gateway", s.gw.SID)
	})
}

// OnMessage implements Listener. It updates the directory, liveness map and
// token, then forwards the message to item listeners.
func (s *Session) OnMessage(msg *Message) {
	if !s.acceptsSource(msg.Source) {
		return
	}

	now := s.now()
	var reads []string
	var change *statusChange

	s.mu.Lock()
	switch msg.Command {
	case CmdGetIDListAck:
		ids, err := msg.DataList()
		if err != nil {
			s.log.get().Warn("invalid device list", "gateway", s.gw.SID, "error", err)
		}
		reads = ids
	case CmdReadAck:
		s.storeDeviceLocked(msg, now)
	}

	if msg.SID != "" {
		s.lastSeen[msg.SID] = now
	}
	if msg.Token != "" {
		s.token = msg.Token
	}
	s.responseSeen = true

	if msg.SID == s.gw.SID && s.state != StateOnline && s.state != StateUninitialized {
		change = s.transitionLocked(StateOnline, "")
	}
	s.mu.Unlock()

	s.emitStatus(change)

	for _, id := range reads {
		if err := s.Read(context.Background(), id); err != nil {
			s.log.get().Warn("read request failed", "gateway", s.gw.SID, "sid", id, "error", err)
		}
	}

	s.notify(msg)
}

// storeDeviceLocked replaces the directory entry for a read_ack. Caller holds s.mu.
func (s *Session) storeDeviceLocked(msg *Message, now time.Time) {
	if msg.SID == "" {
		return
	}
	thingType, err := ResolveModel(msg.Model)
	if err != nil {
		s.log.get().Warn("ignoring device with unsupported model",
			"gateway", s.gw.SID, "sid", msg.SID, "error", err)
		return
	}
	s.directory[msg.SID] = DeviceRecord{
		SID:       msg.SID,
		Model:     msg.Model,
		ThingType: thingType,
		Message:   msg,
		UpdatedAt: now,
	}
}

func (s *Session) acceptsSource(addr net.Addr) bool {
	if addr == nil || s.gatewayIP == nil {
		return true
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return true
	}
	return ua.IP.Equal(s.gatewayIP)
}

// transitionLocked moves to next and returns the status change to report,
// if any. Caller holds s.mu.
func (s *Session) transitionLocked(next SessionState, reason string) *statusChange {
	s.state = next
	if next == s.reported {
		return nil
	}
	s.reported = next
	return &statusChange{state: next, reason: reason}
}

func (s *Session) emitStatus(c *statusChange) {
	if c == nil {
		return
	}
	s.log.get().Info("gateway status changed", "gateway", s.gw.SID, "state", c.state.String(), "reason", c.reason)
	if s.onStatus != nil {
		s.onStatus(s.gw.SID, c.state, c.reason)
	}
}

func (s *Session) livenessLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

// checkLiveness derives ONLINE or OFFLINE from the gateway's last-seen time.
//
// A discovering session waits for an answer only while it has never
// reported a status and the discovery is younger than one liveness
// interval. A re-discovery never suspends liveness.
func (s *Session) checkLiveness() {
	now := s.now()

	s.mu.Lock()
	var change *statusChange
	if s.configErr == nil && s.livenessDueLocked(now) {
		next := s.livenessStateLocked(now)
		reason := ""
		if next == StateOffline {
			reason = fmt.Sprintf("no message from gateway for %s", s.gatewayOnlineTimeout)
		}
		change = s.transitionLocked(next, reason)
	}
	s.mu.Unlock()

	s.emitStatus(change)
}

// livenessDueLocked reports whether the current state is subject to the
// liveness check. Caller holds s.mu.
func (s *Session) livenessDueLocked(now time.Time) bool {
	switch s.state {
	case StateOnline, StateOffline:
		return true
	case StateDiscovering:
		return s.responseSeen ||
			s.reported != StateUninitialized ||
			now.Sub(s.lastDiscovery) >= s.livenessInterval
	default:
		return false
	}
}

func (s *Session) livenessStateLocked(now time.Time) SessionState {
	if s.activeLocked(s.gw.SID, s.gatewayOnlineTimeout, now) {
		return StateOnline
	}
	return StateOffline
}

func (s *Session) activeLocked(sid string, window time.Duration, now time.Time) bool {
	t, ok := s.lastSeen[sid]
	return ok && now.Sub(t) < window
}

// HasActivitySince reports whether a message bearing sid arrived within
// window of now.
func (s *Session) HasActivitySince(sid string, window time.Duration) bool {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(sid, window, now)
}

// IsGatewayOnline reports gateway liveness against the gateway threshold.
func (s *Session) IsGatewayOnline() bool {
	return s.HasActivitySince(s.gw.SID, s.gatewayOnlineTimeout)
}

// IsDeviceOnline reports device liveness against the device threshold.
func (s *Session) IsDeviceOnline(sid string) bool {
	return s.HasActivitySince(sid, s.deviceOnlineTimeout)
}

// LastSeen returns when a message bearing sid was last received.
func (s *Session) LastSeen(sid string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[sid]
	return t, ok
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConfigError returns the configuration error reported at Start, if any.
func (s *Session) ConfigError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configErr
}

// HasToken reports whether a gateway token has been observed.
func (s *Session) HasToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Devices returns the device directory sorted by sid.
func (s *Session) Devices() []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.directoryLocked()
}

func (s *Session) directoryLocked() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(s.directory))
	for _, rec := range s.directory {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Device returns the directory entry for sid.
func (s *Session) Device(sid string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.directory[sid]
	return rec, ok
}

// Discover requests the device list unless a discovery was issued within
// the discovery interval.
//
// Returns:
//   - bool: true if get_id_list was sent
//   - error: ErrSend on failure
func (s *Session) Discover(ctx context.Context) (bool, error) {
	if !s.beginDiscovery(false) {
		return false, nil
	}
	return true, s.sendDiscovery(ctx)
}

// ForceDiscovery sends get_id_list regardless of the rate limit.
func (s *Session) ForceDiscovery(ctx context.Context) error {
	if err := s.ConfigError(); err != nil {
		return err
	}
	s.beginDiscovery(true)
	return s.sendDiscovery(ctx)
}

// beginDiscovery records a discovery and enters StateDiscovering.
func (s *Session) beginDiscovery(force bool) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.configErr != nil {
		return false
	}
	if !force && !s.lastDiscovery.IsZero() && now.Sub(s.lastDiscovery) <= s.discoveryInterval {
		return false
	}
	s.lastDiscovery = now
	if s.state != StateUninitialized {
		s.state = StateDiscovering
		s.responseSeen = false
	}
	return true
}

func (s *Session) sendDiscovery(ctx context.Context) error {
	s.log.get().Debug("requesting device list", "gateway", s.gw.SID)
	return s.transport.SendUnicast(ctx, getIDListCommand(), s.gw.Host, s.gw.Port)
}

// Read asks the gateway for a device's current state. The answer arrives
// as read_ack.
func (s *Session) Read(ctx context.Context, sid string) error {
	if sid == "" {
		return fmt.Errorf("%w: empty device id", ErrEncode)
	}
	return s.transport.SendUnicast(ctx, readCommand(sid), s.gw.Host, s.gw.Port)
}

// Write sends an encrypted write command to a device.
//
// The payload carries the given fields plus "key", derived from the most
// recently observed gateway token and the configured gateway key.
//
// Parameters:
//   - ctx: Checked before sending
//   - sid: Target device id
//   - keys: Field names (e.g., "status")
//   - values: Field values, parallel to keys
//
// Returns:
//   - error: ErrEncode for mismatched, duplicate or "key" fields, ErrNotReady before any token,
//     ErrConfiguration without a key, ErrSend on I/O failure
func (s *Session) Write(ctx context.Context, sid string, keys []string, values []any) error {
	if len(keys) != len(values) {
		return fmt.Errorf("%w: %d keys but %d values", ErrEncode, len(keys), len(values))
	}
	for _, k := range keys {
		if k == fieldKey {
			return fmt.Errorf("%w: field %q is derived from the gateway token", ErrEncode, fieldKey)
		}
	}

	s.mu.RLock()
	token := s.token
	configErr := s.configErr
	s.mu.RUnlock()

	if configErr != nil {
		return configErr
	}
	if token == "" {
		return fmt.Errorf("%w: gateway %s", ErrNotReady, s.gw.SID)
	}
	if s.gw.Key == "" {
		return fmt.Errorf("%w: gateway %s has no key", ErrConfiguration, s.gw.SID)
	}

	writeKey, err := s.encrypt(token, s.gw.Key)
	if err != nil {
		return fmt.Errorf("derive write key: %w", err)
	}

	dataKeys := make([]string, 0, len(keys)+1)
	dataKeys = append(dataKeys, keys...)
	dataKeys = append(dataKeys, fieldKey)
	dataValues := make([]any, 0, len(values)+1)
	dataValues = append(dataValues, values...)
	dataValues = append(dataValues, writeKey)

	data, err := EncodeData(dataKeys, dataValues)
	if err != nil {
		return err
	}
	payload, err := EncodeCommand(CmdWrite, []string{fieldSID, fieldData}, []any{sid, data})
	if err != nil {
		return err
	}

	if err := s.transport.SendUnicast(ctx, payload, s.gw.Host, s.gw.Port); err != nil {
		return err
	}
	s.log.get().Debug("write sent", "gateway", s.gw.SID, "sid", sid, "fields", keys)
	return nil
}

// RegisterItemListener adds an item listener.
//
// The current directory is replayed to l as read_ack updates before any
// live update reaches it, then a (rate-limited) discovery is triggered so
// the directory is refreshed.
func (s *Session) RegisterItemListener(ctx context.Context, l ItemListener) (*ItemSubscription, error) {
	if l == nil {
		return nil, errors.New("mihome: nil item listener")
	}

	s.deliverMu.Lock()
	s.mu.Lock()
	s.nextID++
	entry := itemEntry{id: s.nextID, listener: l}
	next := make([]itemEntry, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, entry)
	replay := s.directoryLocked()
	s.mu.Unlock()

	for _, rec := range replay {
		s.notifyOne(l, rec.SID, CmdReadAck, rec.Message)
	}
	s.deliverMu.Unlock()

	if _, err := s.Discover(ctx); err != nil {
		s.log.get().Warn("discovery after listener registration failed", "gateway", s.gw.SID, "error", err)
	}

	return &ItemSubscription{id: entry.id}, nil
}

// UnregisterItemListener removes an item listener. Unknown handles are ignored.
func (s *Session) UnregisterItemListener(sub *ItemSubscription) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]itemEntry, 0, len(s.listeners))
	for _, e := range s.listeners {
		if e.id != sub.id {
			next = append(next, e)
		}
	}
	s.listeners = next
}

// notify forwards a message to a snapshot of the item listeners.
func (s *Session) notify(msg *Message) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.RLock()
	snapshot := s.listeners
	s.mu.RUnlock()

	for _, e := range snapshot {
		s.notifyOne(e.listener, msg.SID, msg.Command, msg)
	}
}

func (s *Session) notifyOne(l ItemListener, sid, command string, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.get().Error("item listener panic", "gateway", s.gw.SID, "sid", sid, "panic", fmt.Sprint(rec))
		}
	}()
	l.OnItemUpdate(sid, command, msg)
}
