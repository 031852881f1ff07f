package mihome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// Protocol defaults.
const (
	// DefaultMulticastGroup is the group gateways announce on.
	DefaultMulticastGroup = "224.0.0.50"

	// DefaultPort is the UDP port gateways send reports to and accept
	// unicast commands on.
	DefaultPort = 9898

	// DefaultMulticastPort is the port multicast commands (whois) are sent to.
	DefaultMulticastPort = 4321
)

const (
	// readBufferSize bounds a single datagram. Gateway messages are well
	// under 1 KiB.
	readBufferSize = 4096

	// socketReadBuffer is the kernel receive buffer requested for the socket.
	socketReadBuffer = 256 * 1024

	// defaultDispatchQueueSize is the buffer between the receive loop and
	// the dispatch worker.
	defaultDispatchQueueSize = 100

	// defaultReopenDelay is the initial delay before re-opening a failed socket.
	defaultReopenDelay = time.Second

	// maxReopenDelay caps the re-open backoff.
	maxReopenDelay = time.Minute
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) isClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Logger is the logging interface used by this package.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// logSink holds a replaceable logger.
type logSink struct {
	mu     sync.RWMutex
	logger Logger
}

func (s *logSink) set(l Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

func (s *logSink) get() Logger {
	s.mu.RLock()
	l := s.logger
	s.mu.RUnlock()
	if l == nil {
		return noopLogger{}
	}
	return l
}

// Listener receives every decoded message from a Transport.
//
// OnMessage is called from the transport's dispatch goroutine, one message
// at a time. Implementations should return promptly.
type Listener interface {
	OnMessage(msg *Message)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(msg *Message)

// OnMessage calls f(msg).
func (f ListenerFunc) OnMessage(msg *Message) { f(msg) }

// Registration identifies a listener registered on a Transport.
type Registration struct {
	id uint64
}

// MessageTransport is the subset of Transport used by sessions and scanners.
type MessageTransport interface {
	Register(ctx context.Context, l Listener) (*Registration, error)
	Unregister(reg *Registration)
	SendUnicast(ctx context.Context, payload []byte, host string, port int) error
	SendMulticast(ctx context.Context, payload []byte) error
}

// Compile-time check.
var _ MessageTransport = (*Transport)(nil)

// PacketConn is the socket a Transport reads from and writes to.
// *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
}

// OpenFunc opens the shared socket. ListenMulticast is the default.
type OpenFunc func(ctx context.Context, cfg TransportConfig) (PacketConn, error)

// TransportConfig holds settings for the shared multicast socket.
type TransportConfig struct {
	// Group is the multicast group to join (default 224.0.0.50).
	Group string

	// Port is the local UDP port to bind (default 9898).
	Port int

	// MulticastPort is the destination port for multicast commands (default 4321).
	MulticastPort int

	// Interface restricts the group join to one network interface.
	// Empty joins on every up, multicast-capable interface.
	Interface string

	// QueueSize is the dispatch queue length (default 100).
	QueueSize int

	// ReopenDelay is the initial backoff after a socket failure (default 1s).
	ReopenDelay time.Duration

	// Open overrides how the socket is opened. Used by tests.
	Open OpenFunc
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.Group == "" {
		c.Group = DefaultMulticastGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MulticastPort == 0 {
		c.MulticastPort = DefaultMulticastPort
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultDispatchQueueSize
	}
	if c.ReopenDelay <= 0 {
		c.ReopenDelay = defaultReopenDelay
	}
	if c.Open == nil {
		c.Open = ListenMulticast
	}
	return c
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

// socketRun is one open period of the socket, from first registration to
// last unregistration.
type socketRun struct {
	conn     PacketConn // guarded by Transport.mu
	done     *closeOnce
	queue    chan *Message
	loopDone chan struct{}
}

// Transport owns the multicast socket shared by every gateway session and
// discovery scanner.
//
// The socket is opened when the first listener registers and closed when
// the last one unregisters. A single receive loop decodes datagrams and
// hands them to a dispatch goroutine, which delivers each message to a
// snapshot of the registered listeners. The socket read never waits on
// listener processing; when the dispatch queue is full, messages are
// dropped and counted.
//
// Thread Safety: All methods are safe for concurrent use. Close must not be
// called from a Listener.
type Transport struct {
	cfg     TransportConfig
	groupIP net.IP

	mu        sync.Mutex
	listeners []listenerEntry // copy-on-write; readers take a snapshot
	nextID    uint64
	run       *socketRun
	closed    bool

	workers sync.WaitGroup

	log       logSink
	onErrorMu sync.RWMutex
	onError   func(error)

	messagesRx   atomic.Uint64
	messagesTx   atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64
	errorsTotal  atomic.Uint64
	opens        atomic.Uint64
	reopens      atomic.Uint64
	lastActivity atomic.Int64
}

// TransportStats contains transport statistics.
type TransportStats struct {
	Open         bool      `json:"open"`
	Listeners    int       `json:"listeners"`
	MessagesRx   uint64    `json:"messages_rx"`
	MessagesTx   uint64    `json:"messages_tx"`
	DecodeErrors uint64    `json:"decode_errors"`
	Dropped      uint64    `json:"dropped"`
	ErrorsTotal  uint64    `json:"errors_total"`
	Opens        uint64    `json:"opens"`
	Reopens      uint64    `json:"reopens"`
	LastActivity time.Time `json:"last_activity"`
}

// NewTransport creates a Transport. The socket is not opened until the
// first Register call.
//
// Parameters:
//   - cfg: Socket settings; zero values take protocol defaults
//
// Returns:
//   - *Transport: Ready-to-use transport
//   - error: ErrConfiguration if the group is not an IPv4 multicast address
func NewTransport(cfg TransportConfig) (*Transport, error) {
	cfg = cfg.withDefaults()

	ip := net.ParseIP(cfg.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", ErrConfiguration, cfg.Group)
	}
	if cfg.Port < 1 || cfg.Port > 65535 || cfg.MulticastPort < 1 || cfg.MulticastPort > 65535 {
		return nil, fmt.Errorf("%w: port out of range", ErrConfiguration)
	}

	return &Transport{cfg: cfg, groupIP: ip}, nil
}

// SetLogger sets the logger for transport events.
func (t *Transport) SetLogger(logger Logger) {
	t.log.set(logger)
}

// SetOnError sets a callback invoked when the socket fails. The transport
// keeps retrying in the background while listeners remain.
func (t *Transport) SetOnError(fn func(error)) {
	t.onErrorMu.Lock()
	t.onError = fn
	t.onErrorMu.Unlock()
}

// Register adds a listener, opening the socket if it is the first.
//
// Parameters:
//   - ctx: Bounds the socket open
//   - l: Listener to receive every decoded message
//
// Returns:
//   - *Registration: Handle for Unregister
//   - error: ErrTransport if the socket cannot be opened (nothing is
//     registered in that case), ErrTransportClosed after Close
func (t *Transport) Register(ctx context.Context, l Listener) (*Registration, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrTransport)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	if t.run == nil {
		conn, err := t.cfg.Open(ctx, t.cfg)
		if err != nil {
			t.errorsTotal.Add(1)
			return nil, fmt.Errorf("%w: open %s:%d: %w", ErrTransport, t.cfg.Group, t.cfg.Port, err)
		}
		t.startRun(conn)
	}

	t.nextID++
	entry := listenerEntry{id: t.nextID, listener: l}
	next := make([]listenerEntry, len(t.listeners), len(t.listeners)+1)
	copy(next, t.listeners)
	t.listeners = append(next, entry)

	return &Registration{id: entry.id}, nil
}

// Unregister removes a listener. Removing the last listener closes the
// socket and waits for the receive loop to exit. Unknown or repeated
// handles are ignored.
func (t *Transport) Unregister(reg *Registration) {
	if reg == nil {
		return
	}

	t.mu.Lock()
	idx := -1
	for i, e := range t.listeners {
		if e.id == reg.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return
	}

	next := make([]listenerEntry, 0, len(t.listeners)-1)
	next = append(next, t.listeners[:idx]...)
	next = append(next, t.listeners[idx+1:]...)
	t.listeners = next

	var stopped *socketRun
	if len(t.listeners) == 0 && t.run != nil {
		stopped = t.run
		t.run = nil
		stopped.done.Close()
		stopped.conn.Close() //nolint:errcheck // Unblocks ReadFrom
	}
	t.mu.Unlock()

	if stopped != nil {
		<-stopped.loopDone
		t.log.get().Info("multicast socket closed", "group", t.cfg.Group, "port", t.cfg.Port)
	}
}

// startRun starts the receive loop and dispatch worker. Caller holds t.mu.
func (t *Transport) startRun(conn PacketConn) {
	r := &socketRun{
		conn:     conn,
		done:     newCloseOnce(),
		queue:    make(chan *Message, t.cfg.QueueSize),
		loopDone: make(chan struct{}),
	}
	t.run = r
	t.opens.Add(1)

	t.workers.Add(1)
	go t.dispatchWorker(r)
	go t.receiveLoop(r, conn)

	t.log.get().Info("multicast socket opened", "group", t.cfg.Group, "port", t.cfg.Port)
}

func (t *Transport) receiveLoop(r *socketRun, conn PacketConn) {
	defer close(r.loopDone)

	buf := make([]byte, readBufferSize)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if r.done.isClosed() {
				return // Last listener gone, exit cleanly
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			t.reportError(fmt.Errorf("%w: receive: %w", ErrTransport, err))

			conn = t.reopen(r)
			if conn == nil {
				return
			}
			continue
		}

		t.handleDatagram(r, buf[:n], addr)
	}
}

// handleDatagram decodes one datagram and queues it for dispatch.
func (t *Transport) handleDatagram(r *socketRun, b []byte, addr net.Addr) {
	msg, err := Decode(b)
	if err != nil {
		t.decodeErrors.Add(1)
		t.log.get().Warn("dropping malformed datagram", "error", err, "from", addrString(addr))
		return
	}
	msg.Source = addr

	t.messagesRx.Add(1)
	t.lastActivity.Store(time.Now().Unix())

	select {
	case r.queue <- msg:
	default:
		t.dropped.Add(1)
		t.log.get().Warn("dispatch queue full, dropping message", "cmd", msg.Command, "sid", msg.SID)
	}
}

func (t *Transport) dispatchWorker(r *socketRun) {
	defer t.workers.Done()

	for {
		select {
		case <-r.done.Done():
			drainQueue(r.queue)
			return
		case msg := <-r.queue:
			t.deliver(msg)
		}
	}
}

// deliver hands msg to a snapshot of the listener set.
func (t *Transport) deliver(msg *Message) {
	t.mu.Lock()
	snapshot := t.listeners
	t.mu.Unlock()

	for _, e := range snapshot {
		t.deliverOne(e.listener, msg)
	}
}

func (t *Transport) deliverOne(l Listener, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			t.errorsTotal.Add(1)
			t.log.get().Error("listener panic", "cmd", msg.Command, "panic", fmt.Sprint(rec))
		}
	}()
	l.OnMessage(msg)
}

// reopen replaces a failed socket with capped exponential backoff.
// Returns nil if the run was stopped meanwhile.
func (t *Transport) reopen(r *socketRun) PacketConn {
	t.mu.Lock()
	if t.run == r {
		r.conn.Close() //nolint:errcheck // Already failed
	}
	t.mu.Unlock()

	backoff := t.cfg.ReopenDelay
	for {
		select {
		case <-r.done.Done():
			return nil
		case <-time.After(backoff):
		}

		t.mu.Lock()
		if t.run != r {
			t.mu.Unlock()
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := t.cfg.Open(ctx, t.cfg)
		cancel()
		if err == nil {
			r.conn = conn
			t.mu.Unlock()
			t.reopens.Add(1)
			t.log.get().Info("multicast socket reopened", "group", t.cfg.Group, "port", t.cfg.Port)
			return conn
		}
		t.mu.Unlock()

		t.reportError(fmt.Errorf("%w: reopen: %w", ErrTransport, err))
		backoff *= 2
		if backoff > maxReopenDelay {
			backoff = maxReopenDelay
		}
	}
}

func (t *Transport) reportError(err error) {
	t.errorsTotal.Add(1)
	t.log.get().Error("multicast socket failed", "error", err)

	t.onErrorMu.RLock()
	fn := t.onError
	t.onErrorMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// SendUnicast sends a datagram to one gateway.
//
// Parameters:
//   - ctx: Checked before sending
//   - payload: Encoded command
//   - host: Gateway IP address or hostname
//   - port: Gateway UDP port
//
// Returns:
//   - error: ErrSend on resolve or write failure, or if no listener is registered
func (t *Transport) SendUnicast(ctx context.Context, payload []byte, host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", ErrSend, host, err)
	}
	return t.send(ctx, payload, addr)
}

// SendMulticast sends a datagram to the multicast group.
func (t *Transport) SendMulticast(ctx context.Context, payload []byte) error {
	return t.send(ctx, payload, &net.UDPAddr{IP: t.groupIP, Port: t.cfg.MulticastPort})
}

func (t *Transport) send(ctx context.Context, payload []byte, addr net.Addr) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	t.mu.Lock()
	var conn PacketConn
	if t.run != nil {
		conn = t.run.conn
	}
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: transport not open", ErrSend)
	}

	if _, err := conn.WriteTo(payload, addr); err != nil {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: to %s: %w", ErrSend, addr, err)
	}

	t.messagesTx.Add(1)
	t.log.get().Debug("datagram sent", "to", addr.String(), "bytes", len(payload))
	return nil
}

// IsOpen reports whether the socket is currently open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

// ListenerCount returns the number of registered listeners.
func (t *Transport) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Stats returns current transport statistics.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	open := t.run != nil
	listeners := len(t.listeners)
	t.mu.Unlock()

	var last time.Time
	if ts := t.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}

	return TransportStats{
		Open:         open,
		Listeners:    listeners,
		MessagesRx:   t.messagesRx.Load(),
		MessagesTx:   t.messagesTx.Load(),
		DecodeErrors: t.decodeErrors.Load(),
		Dropped:      t.dropped.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		Opens:        t.opens.Load(),
		Reopens:      t.reopens.Load(),
		LastActivity: last,
	}
}

// Close unregisters every listener, closes the socket and waits for all
// transport goroutines. Safe to call multiple times.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.listeners = nil
	stopped := t.run
	t.run = nil
	if stopped != nil {
		stopped.done.Close()
		stopped.conn.Close() //nolint:errcheck // Unblocks ReadFrom
	}
	t.mu.Unlock()

	if stopped != nil {
		<-stopped.loopDone
	}
	t.workers.Wait()
	return nil
}

func drainQueue(q chan *Message) {
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ListenMulticast binds the UDP port and joins the multicast group.
//
// With cfg.Interface set, only that interface joins and it becomes the
// outgoing multicast interface. Otherwise every up, multicast-capable,
// non-loopback interface joins.
//
// Returns:
//   - PacketConn: The bound socket
//   - error: Bind failure, or ErrNoInterface if no interface joined
func ListenMulticast(ctx context.Context, cfg TransportConfig) (PacketConn, error) {
	cfg = cfg.withDefaults()

	group := net.ParseIP(cfg.Group).To4()
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", ErrConfiguration, cfg.Group)
	}

	ifaces, err := multicastInterfaces(cfg.Interface)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, err
	}

	if uc, ok := pc.(*net.UDPConn); ok {
		_ = uc.SetReadBuffer(socketReadBuffer) //nolint:errcheck // Kernel may cap the size
	}

	p := ipv4.NewPacketConn(pc)
	joined := 0
	var lastErr error
	for i := range ifaces {
		if err := p.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group}); err != nil {
			lastErr = err
			continue
		}
		joined++
	}
	if joined == 0 {
		pc.Close() //nolint:errcheck // Best effort cleanup on error path
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoInterface, lastErr)
		}
		return nil, ErrNoInterface
	}

	if cfg.Interface != "" {
		if err := p.SetMulticastInterface(&ifaces[0]); err != nil {
			pc.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("set multicast interface %s: %w", cfg.Interface, err)
		}
	}

	return pc, nil
}

func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoInterface, err)
		}
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			return nil, fmt.Errorf("%w: %s is down or not multicast-capable", ErrNoInterface, name)
		}
		return []net.Interface{*ifi}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoInterface, err)
	}

	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, ifi)
	}
	if len(out) == 0 {
		return nil, ErrNoInterface
	}
	return out, nil
}
