package mihome

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedTo returns messages published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers payload to the handler whose pattern matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range m.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, part := range p {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// mockTransport implements BridgeTransport and delivers messages synchronously.
type mockTransport struct {
	mu          sync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64
	unicast     []sentPacket
	multicast   [][]byte
	registerErr error
	sendErr     error
	stats       TransportStats
}

type sentPacket struct {
	Payload []byte
	Host    string
	Port    int
}

func newMockTransport() *mockTransport {
	return &mockTransport{listeners: make(map[uint64]Listener), stats: TransportStats{Open: true}}
}

func (m *mockTransport) Register(_ context.Context, l Listener) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	m.nextID++
	m.listeners[m.nextID] = l
	return &Registration{id: m.nextID}, nil
}

func (m *mockTransport) Unregister(reg *Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, reg.id)
}

func (m *mockTransport) SendUnicast(_ context.Context, payload []byte, host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.unicast = append(m.unicast, sentPacket{Payload: payload, Host: host, Port: port})
	return nil
}

func (m *mockTransport) SendMulticast(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.multicast = append(m.multicast, payload)
	return nil
}

func (m *mockTransport) Stats() TransportStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Listeners = len(m.listeners)
	return s
}

func (m *mockTransport) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *mockTransport) Unicast() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentPacket, len(m.unicast))
	copy(out, m.unicast)
	return out
}

func (m *mockTransport) Multicast() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.multicast))
	copy(out, m.multicast)
	return out
}

func (m *mockTransport) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unicast = nil
	m.multicast = nil
}

// Deliver hands msg to every registered listener on the calling goroutine.
func (m *mockTransport) Deliver(msg *Message) {
	m.mu.Lock()
	snapshot := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.mu.Unlock()

	for _, l := range snapshot {
		l.OnMessage(msg)
	}
}

// DeliverRaw decodes raw and delivers it.
func (m *mockTransport) DeliverRaw(t *testing.T, raw string) {
	t.Helper()
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", raw, err)
	}
	m.Deliver(msg)
}

// fakeConn is an in-memory PacketConn.
type fakeConn struct {
	in        chan datagram
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []sentDatagram
	writeErr error
}

type datagram struct {
	payload []byte
	from    net.Addr
}

type sentDatagram struct {
	Payload []byte
	To      string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case d := <-c.in:
		return copy(p, d.payload), d.from, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, sentDatagram{Payload: append([]byte(nil), p...), To: addr.String()})
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Inject(payload string, from string) {
	addr, _ := net.ResolveUDPAddr("udp4", from) //nolint:errcheck // test input
	c.in <- datagram{payload: []byte(payload), from: addr}
}

func (c *fakeConn) Writes() []sentDatagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentDatagram, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeNetwork hands out fakeConns to a Transport.
type fakeNetwork struct {
	mu      sync.Mutex
	conns   []*fakeConn
	openErr error
}

func (n *fakeNetwork) open(_ context.Context, _ TransportConfig) (PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openErr != nil {
		return nil, n.openErr
	}
	c := newFakeConn()
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNetwork) setOpenErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openErr = err
}

func (n *fakeNetwork) current() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

func (n *fakeNetwork) all() []*fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*fakeConn, len(n.conns))
	copy(out, n.conns)
	return out
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingListener collects item updates.
type recordingListener struct {
	mu      sync.Mutex
	updates []itemUpdate
}

type itemUpdate struct {
	SID     string
	Command string
	Msg     *Message
}

func (r *recordingListener) OnItemUpdate(sid, command string, msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, itemUpdate{SID: sid, Command: command, Msg: msg})
}

func (r *recordingListener) Updates() []itemUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]itemUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

// fakeEncrypt makes the derived key visible in assertions.
func fakeEncrypt(token, key string) (string, error) {
	return fmt.Sprintf("enc(%s,%s)", token, key), nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%s) error = %v", s, err)
	}
	return addr
}
