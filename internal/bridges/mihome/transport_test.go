package mihome

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestTransport(t *testing.T, cfg TransportConfig) (*Transport, *fakeNetwork) {
	t.Helper()
	network := &fakeNetwork{}
	cfg.Open = network.open
	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() }) //nolint:errcheck // test cleanup
	return tr, network
}

// chanListener forwards messages to a buffered channel.
func chanListener(buf int) (ListenerFunc, chan *Message) {
	ch := make(chan *Message, buf)
	return func(msg *Message) { ch <- msg }, ch
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNewTransportValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr bool
	}{
		{"defaults", TransportConfig{}, false},
		{"custom group", TransportConfig{Group: "239.1.2.3"}, false},
		{"unicast group", TransportConfig{Group: "10.0.0.1"}, true},
		{"not an ip", TransportConfig{Group: "gateway.local"}, true},
		{"ipv6 group", TransportConfig{Group: "ff02::1"}, true},
		{"port out of range", TransportConfig{Port: 70000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransport(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestTransportOpenIffListeners(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})
	ctx := context.Background()

	if tr.IsOpen() {
		t.Fatal("transport open before any registration")
	}

	l1, _ := chanListener(1)
	l2, _ := chanListener(1)

	reg1, err := tr.Register(ctx, l1)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg2, err := tr.Register(ctx, l2)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !tr.IsOpen() {
		t.Error("transport closed with two listeners")
	}
	if got := len(network.all()); got != 1 {
		t.Errorf("sockets opened = %d, want 1", got)
	}

	tr.Unregister(reg1)
	if !tr.IsOpen() {
		t.Error("transport closed with one listener left")
	}

	tr.Unregister(reg2)
	if tr.IsOpen() {
		t.Error("transport open after last unregister")
	}
	if !network.current().IsClosed() {
		t.Error("socket not closed after last unregister")
	}

	// Repeated unregister is a no-op.
	tr.Unregister(reg2)
	tr.Unregister(nil)

	// Re-registering opens a fresh socket.
	reg3, err := tr.Register(ctx, l1)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer tr.Unregister(reg3)
	if got := len(network.all()); got != 2 {
		t.Errorf("sockets opened = %d, want 2", got)
	}
	if got := tr.Stats().Opens; got != 2 {
		t.Errorf("Stats().Opens = %d, want 2", got)
	}
}

func TestTransportRegisterOpenFailure(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})
	network.setOpenErr(errors.New("address already in use"))

	l, _ := chanListener(1)
	reg, err := tr.Register(context.Background(), l)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Register() error = %v, want ErrTransport", err)
	}
	if reg != nil {
		t.Error("Register() returned a registration on failure")
	}
	if tr.ListenerCount() != 0 {
		t.Errorf("ListenerCount() = %d, want 0", tr.ListenerCount())
	}
	if tr.IsOpen() {
		t.Error("transport open after failed registration")
	}

	network.setOpenErr(nil)
	reg, err = tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() after recovery error = %v", err)
	}
	tr.Unregister(reg)
}

func TestTransportRegisterNil(t *testing.T) {
	tr, _ := newTestTransport(t, TransportConfig{})
	if _, err := tr.Register(context.Background(), nil); !errors.Is(err, ErrTransport) {
		t.Errorf("Register(nil) error = %v, want ErrTransport", err)
	}
}

func TestTransportDelivery(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	l, ch := chanListener(4)
	reg, err := tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer tr.Unregister(reg)

	network.current().Inject(`{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"abc"}`, "10.0.0.5:4321")

	msg := receive(t, ch)
	if msg.Command != CmdHeartbeat || msg.SID != "gw1" || msg.Token != "abc" {
		t.Errorf("message = %+v, want heartbeat from gw1", msg)
	}
	if msg.Source == nil || msg.Source.String() != "10.0.0.5:4321" {
		t.Errorf("Source = %v, want 10.0.0.5:4321", msg.Source)
	}

	stats := tr.Stats()
	if stats.MessagesRx != 1 {
		t.Errorf("Stats().MessagesRx = %d, want 1", stats.MessagesRx)
	}
	if stats.LastActivity.IsZero() {
		t.Error("Stats().LastActivity not set")
	}
}

func TestTransportMalformedDatagram(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	l, ch := chanListener(4)
	reg, err := tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer tr.Unregister(reg)

	conn := network.current()
	conn.Inject(`{"cmd":"report","sid":"a"}`, "10.0.0.5:9898")
	conn.Inject(`not json at all`, "10.0.0.5:9898")
	conn.Inject(`{"cmd":"report","sid":"b"}`, "10.0.0.5:9898")

	first := receive(t, ch)
	second := receive(t, ch)
	if first.SID != "a" || second.SID != "b" {
		t.Errorf("received %q, %q; want a, b", first.SID, second.SID)
	}

	waitFor(t, "decode error count", func() bool { return tr.Stats().DecodeErrors == 1 })
	if !tr.IsOpen() {
		t.Error("malformed datagram closed the transport")
	}
}

func TestTransportFanOut(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	l1, ch1 := chanListener(1)
	l2, ch2 := chanListener(1)
	for _, l := range []Listener{l1, l2} {
		reg, err := tr.Register(context.Background(), l)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		defer tr.Unregister(reg)
	}

	network.current().Inject(`{"cmd":"iam","sid":"gw1"}`, "10.0.0.5:4321")

	if msg := receive(t, ch1); msg.Command != CmdIAm {
		t.Errorf("listener 1 got %q, want iam", msg.Command)
	}
	if msg := receive(t, ch2); msg.Command != CmdIAm {
		t.Errorf("listener 2 got %q, want iam", msg.Command)
	}
}

func TestTransportListenerPanic(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	panicky := ListenerFunc(func(*Message) { panic("boom") })
	l, ch := chanListener(1)

	for _, listener := range []Listener{panicky, l} {
		reg, err := tr.Register(context.Background(), listener)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		defer tr.Unregister(reg)
	}

	network.current().Inject(`{"cmd":"report","sid":"a"}`, "10.0.0.5:9898")

	if msg := receive(t, ch); msg.SID != "a" {
		t.Errorf("SID = %q, want a", msg.SID)
	}
}

func TestTransportUnregisterFromListener(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	regCh := make(chan *Registration, 1)
	unregistered := make(chan struct{})
	l := ListenerFunc(func(*Message) {
		tr.Unregister(<-regCh)
		close(unregistered)
	})

	reg, err := tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	regCh <- reg

	network.current().Inject(`{"cmd":"report","sid":"a"}`, "10.0.0.5:9898")

	select {
	case <-unregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister from inside a listener did not return")
	}
	if tr.IsOpen() {
		t.Error("transport open after last listener unregistered itself")
	}
}

func TestTransportQueueOverflow(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{QueueSize: 1})

	release := make(chan struct{})
	l := ListenerFunc(func(*Message) { <-release })

	reg, err := tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	conn := network.current()
	for i := 0; i < 5; i++ {
		conn.Inject(`{"cmd":"report","sid":"a"}`, "10.0.0.5:9898")
	}

	// One message in the listener and one queued at most; the rest drop.
	waitFor(t, "dropped messages", func() bool { return tr.Stats().Dropped >= 3 })

	close(release)
	tr.Unregister(reg)
}

func TestTransportSend(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})
	ctx := context.Background()

	if err := tr.SendUnicast(ctx, []byte(`{"cmd":"get_id_list"}`), "10.0.0.5", 9898); !errors.Is(err, ErrSend) {
		t.Errorf("SendUnicast() without listeners error = %v, want ErrSend", err)
	}

	l, _ := chanListener(1)
	reg, err := tr.Register(ctx, l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer tr.Unregister(reg)

	if err := tr.SendUnicast(ctx, []byte(`{"cmd":"get_id_list"}`), "10.0.0.5", 9898); err != nil {
		t.Fatalf("SendUnicast() error = %v", err)
	}
	if err := tr.SendMulticast(ctx, []byte(`{"cmd":"whois"}`)); err != nil {
		t.Fatalf("SendMulticast() error = %v", err)
	}

	writes := network.current().Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if writes[0].To != "10.0.0.5:9898" || string(writes[0].Payload) != `{"cmd":"get_id_list"}` {
		t.Errorf("unicast write = %+v", writes[0])
	}
	if writes[1].To != "224.0.0.50:4321" || string(writes[1].Payload) != `{"cmd":"whois"}` {
		t.Errorf("multicast write = %+v", writes[1])
	}
	if got := tr.Stats().MessagesTx; got != 2 {
		t.Errorf("Stats().MessagesTx = %d, want 2", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := tr.SendMulticast(cancelled, []byte(`{"cmd":"whois"}`)); !errors.Is(err, ErrSend) {
		t.Errorf("SendMulticast(cancelled) error = %v, want ErrSend", err)
	}

	conn := network.current()
	conn.mu.Lock()
	conn.writeErr = errors.New("network unreachable")
	conn.mu.Unlock()
	if err := tr.SendUnicast(ctx, []byte(`{}`), "10.0.0.5", 9898); !errors.Is(err, ErrSend) {
		t.Errorf("SendUnicast() write failure error = %v, want ErrSend", err)
	}
}

func TestTransportReopenAfterFailure(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{ReopenDelay: 10 * time.Millisecond})

	var mu sync.Mutex
	var reported []error
	tr.SetOnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	l, ch := chanListener(1)
	reg, err := tr.Register(context.Background(), l)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer tr.Unregister(reg)

	first := network.current()
	first.errs <- errors.New("interface went away")

	waitFor(t, "socket reopen", func() bool { return tr.Stats().Reopens == 1 })

	if !first.IsClosed() {
		t.Error("failed socket not closed")
	}
	second := network.current()
	if second == first {
		t.Fatal("no new socket opened")
	}

	second.Inject(`{"cmd":"report","sid":"a"}`, "10.0.0.5:9898")
	if msg := receive(t, ch); msg.SID != "a" {
		t.Errorf("SID after reopen = %q, want a", msg.SID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], ErrTransport) {
		t.Errorf("reported errors = %v, want one ErrTransport", reported)
	}
}

func TestTransportConcurrentRegistration(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, _ := chanListener(1)
			reg, err := tr.Register(context.Background(), l)
			if err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			tr.Unregister(reg)
		}()
	}
	wg.Wait()

	if tr.IsOpen() {
		t.Error("transport open after all listeners left")
	}
	if tr.ListenerCount() != 0 {
		t.Errorf("ListenerCount() = %d, want 0", tr.ListenerCount())
	}
	for i, c := range network.all() {
		if !c.IsClosed() {
			t.Errorf("socket %d left open", i)
		}
	}
}

func TestTransportClose(t *testing.T) {
	tr, network := newTestTransport(t, TransportConfig{})

	l, _ := chanListener(1)
	if _, err := tr.Register(context.Background(), l); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !network.current().IsClosed() {
		t.Error("socket not closed by Close")
	}
	if tr.IsOpen() || tr.ListenerCount() != 0 {
		t.Error("transport still open after Close")
	}
	if _, err := tr.Register(context.Background(), l); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Register() after Close error = %v, want ErrTransportClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
