package mihome

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

const testKey = "0987654321qwerty"

type statusEvent struct {
	SID    string
	State  SessionState
	Reason string
}

type statusRecorder struct {
	mu     sync.Mutex
	events []statusEvent
}

func (r *statusRecorder) record(sid string, state SessionState, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, statusEvent{SID: sid, State: state, Reason: reason})
}

func (r *statusRecorder) Events() []statusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]statusEvent, len(r.events))
	copy(out, r.events)
	return out
}

type sessionFixture struct {
	session   *Session
	transport *mockTransport
	clock     *fakeClock
	status    *statusRecorder
}

func newSessionFixture(t *testing.T, mutate func(*SessionOptions)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		transport: newMockTransport(),
		clock:     newFakeClock(),
		status:    &statusRecorder{},
	}
	opts := SessionOptions{
		Gateway:          GatewayConfig{SID: "gw1", Host: "10.0.0.5", Port: 9898, Key: testKey},
		Transport:        f.transport,
		Encrypt:          fakeEncrypt,
		OnStatus:         f.status.record,
		LivenessInterval: time.Hour,
		Clock:            f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.session = NewSession(opts)
	t.Cleanup(f.session.Stop)
	return f
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func decodeSent(t *testing.T, p sentPacket) *Message {
	t.Helper()
	msg, err := Decode(p.Payload)
	if err != nil {
		t.Fatalf("sent payload %s does not decode: %v", p.Payload, err)
	}
	return msg
}

func TestSessionStart(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	if got := f.session.State(); got != StateDiscovering {
		t.Errorf("State() = %v, want discovering", got)
	}
	if got := f.transport.ListenerCount(); got != 1 {
		t.Errorf("transport listeners = %d, want 1", got)
	}

	sent := f.transport.Unicast()
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	if string(sent[0].Payload) != `{"cmd":"get_id_list"}` {
		t.Errorf("payload = %s, want get_id_list", sent[0].Payload)
	}
	if sent[0].Host != "10.0.0.5" || sent[0].Port != 9898 {
		t.Errorf("sent to %s:%d, want 10.0.0.5:9898", sent[0].Host, sent[0].Port)
	}

	if err := f.session.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}

	f.session.Stop()
	if got := f.transport.ListenerCount(); got != 0 {
		t.Errorf("transport listeners after Stop = %d, want 0", got)
	}
}

func TestSessionConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		gw   GatewayConfig
	}{
		{"missing host", GatewayConfig{SID: "gw1", Port: 9898, Key: testKey}},
		{"missing sid", GatewayConfig{Host: "10.0.0.5", Port: 9898}},
		{"bad port", GatewayConfig{SID: "gw1", Host: "10.0.0.5", Port: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSessionFixture(t, func(o *SessionOptions) { o.Gateway = tt.gw })

			err := f.session.Start(context.Background())
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Start() error = %v, want ErrConfiguration", err)
			}

			events := f.status.Events()
			if len(events) != 1 || events[0].State != StateOffline || events[0].Reason == "" {
				t.Errorf("status events = %+v, want one offline with reason", events)
			}
			if f.transport.ListenerCount() != 0 {
				t.Error("misconfigured session registered on the transport")
			}
			if !errors.Is(f.session.ConfigError(), ErrConfiguration) {
				t.Errorf("ConfigError() = %v", f.session.ConfigError())
			}
			if err := f.session.Write(context.Background(), "dev1", []string{"status"}, []any{"on"}); !errors.Is(err, ErrConfiguration) {
				t.Errorf("Write() error = %v, want ErrConfiguration", err)
			}
			if err := f.session.ForceDiscovery(context.Background()); !errors.Is(err, ErrConfiguration) {
				t.Errorf("ForceDiscovery() error = %v, want ErrConfiguration", err)
			}

			// Liveness never revives a misconfigured session.
			f.session.checkLiveness()
			if len(f.status.Events()) != 1 {
				t.Errorf("status events after liveness check = %d, want 1", len(f.status.Events()))
			}
		})
	}
}

func TestSessionRegisterFailure(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.transport.registerErr = ErrTransport

	if err := f.session.Start(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("Start() error = %v, want ErrTransport", err)
	}
	if got := f.session.State(); got != StateOffline {
		t.Errorf("State() = %v, want offline", got)
	}
	events := f.status.Events()
	if len(events) != 1 || events[0].State != StateOffline {
		t.Errorf("status events = %+v, want one offline", events)
	}
}

func TestSessionDeviceListTriggersReads(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)
	f.transport.ClearSent()

	f.transport.DeliverRaw(t, `{"cmd":"get_id_list_ack","sid":"gw1","token":"abc","data":"[\"A\",\"B\"]"}`)

	sent := f.transport.Unicast()
	if len(sent) != 2 {
		t.Fatalf("sent %d packets, want 2 reads", len(sent))
	}
	for i, want := range []string{"A", "B"} {
		msg := decodeSent(t, sent[i])
		if msg.Command != CmdRead || msg.SID != want {
			t.Errorf("packet %d = %s/%s, want read/%s", i, msg.Command, msg.SID, want)
		}
	}
}

func TestSessionReadAckReplacesDirectoryEntry(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"sensor_ht","sid":"X","data":"{\"temperature\":\"2150\",\"humidity\":\"5500\"}"}`)
	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"sensor_ht","sid":"X","data":"{\"temperature\":\"2200\"}"}`)

	rec, ok := f.session.Device("X")
	if !ok {
		t.Fatal("Device(X) not found")
	}
	if rec.ThingType != ThingTypeSensorHT || rec.Model != "sensor_ht" {
		t.Errorf("record = %+v", rec)
	}
	data, err := rec.Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	if data["temperature"] != "2200" {
		t.Errorf("temperature = %v, want 2200", data["temperature"])
	}
	if _, ok := data["humidity"]; ok {
		t.Error("humidity survived a full replacement")
	}

	// Reports refresh liveness but never the directory.
	f.transport.DeliverRaw(t, `{"cmd":"report","model":"sensor_ht","sid":"X","data":"{\"temperature\":\"1900\"}"}`)
	rec, _ = f.session.Device("X")
	data, _ = rec.Data() //nolint:errcheck // decoded above
	if data["temperature"] != "2200" {
		t.Errorf("report changed directory: temperature = %v", data["temperature"])
	}
}

func TestSessionUnknownModelNotStored(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"ctrl_neutral1","sid":"Z","data":"{}"}`)

	if _, ok := f.session.Device("Z"); ok {
		t.Error("device with unsupported model stored")
	}
	if !f.session.HasActivitySince("Z", time.Minute) {
		t.Error("unsupported model did not refresh liveness")
	}
	if got := len(f.session.Devices()); got != 0 {
		t.Errorf("Devices() = %d entries, want 0", got)
	}
}

func TestSessionHasActivitySince(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"report","model":"motion","sid":"X","data":"{\"status\":\"motion\"}"}`)

	tests := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{9 * time.Second, true},
		{time.Second, false}, // exactly 10s elapsed
	}
	for _, tt := range tests {
		f.clock.Advance(tt.advance)
		if got := f.session.HasActivitySince("X", 10*time.Second); got != tt.want {
			t.Errorf("after %v: HasActivitySince() = %v, want %v", tt.advance, got, tt.want)
		}
	}

	if f.session.HasActivitySince("unknown", time.Hour) {
		t.Error("HasActivitySince(unknown) = true")
	}
	if _, ok := f.session.LastSeen("X"); !ok {
		t.Error("LastSeen(X) missing")
	}
}

func TestSessionWrite(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	err := f.session.Write(ctx, "dev1", []string{"status"}, []any{"on"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Write() before token error = %v, want ErrNotReady", err)
	}
	f.transport.ClearSent()

	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"abc","data":"{\"ip\":\"10.0.0.5\"}"}`)
	if !f.session.HasToken() {
		t.Fatal("HasToken() = false after heartbeat")
	}

	if err := f.session.Write(ctx, "dev1", []string{"status"}, []any{"on"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sent := f.transport.Unicast()
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	msg := decodeSent(t, sent[0])
	if msg.Command != CmdWrite || msg.SID != "dev1" {
		t.Errorf("write = %s/%s, want write/dev1", msg.Command, msg.SID)
	}
	data, err := msg.DataObject()
	if err != nil {
		t.Fatalf("DataObject() error = %v", err)
	}
	if data["status"] != "on" {
		t.Errorf("status = %v, want on", data["status"])
	}
	if want := "enc(abc," + testKey + ")"; data["key"] != want {
		t.Errorf("key = %v, want %s", data["key"], want)
	}

	// The most recent token wins.
	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"def"}`)
	if err := f.session.Write(ctx, "dev1", []string{"status"}, []any{"off"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	sent = f.transport.Unicast()
	data, _ = decodeSent(t, sent[len(sent)-1]).DataObject() //nolint:errcheck // checked above
	if want := "enc(def," + testKey + ")"; data["key"] != want {
		t.Errorf("key after rotation = %v, want %s", data["key"], want)
	}
}

func TestSessionWriteErrors(t *testing.T) {
	t.Run("mismatched fields", func(t *testing.T) {
		f := newSessionFixture(t, nil)
		f.start(t)
		err := f.session.Write(context.Background(), "dev1", []string{"status", "level"}, []any{"on"})
		if !errors.Is(err, ErrEncode) {
			t.Errorf("Write() error = %v, want ErrEncode", err)
		}
	})

	t.Run("caller supplied key field", func(t *testing.T) {
		f := newSessionFixture(t, nil)
		f.start(t)
		f.transport.DeliverRaw(t, `{"cmd":"heartbeat","sid":"gw1","token":"abc"}`)
		before := len(f.transport.Unicast())
		err := f.session.Write(context.Background(), "dev1", []string{"status", "key"}, []any{"on", "forged"})
		if !errors.Is(err, ErrEncode) {
			t.Errorf("Write() error = %v, want ErrEncode", err)
		}
		if n := len(f.transport.Unicast()); n != before {
			t.Errorf("unicast sends = %d, want %d", n, before)
		}
	})

	t.Run("no key", func(t *testing.T) {
		f := newSessionFixture(t, func(o *SessionOptions) { o.Gateway.Key = "" })
		f.start(t)
		f.transport.DeliverRaw(t, `{"cmd":"heartbeat","sid":"gw1","token":"abc"}`)
		err := f.session.Write(context.Background(), "dev1", []string{"status"}, []any{"on"})
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Write() error = %v, want ErrConfiguration", err)
		}
	})

	t.Run("encrypt failure", func(t *testing.T) {
		boom := errors.New("bad key")
		f := newSessionFixture(t, func(o *SessionOptions) {
			o.Encrypt = func(string, string) (string, error) { return "", boom }
		})
		f.start(t)
		f.transport.DeliverRaw(t, `{"cmd":"heartbeat","sid":"gw1","token":"abc"}`)
		err := f.session.Write(context.Background(), "dev1", []string{"status"}, []any{"on"})
		if !errors.Is(err, boom) {
			t.Errorf("Write() error = %v, want %v", err, boom)
		}
	})

	t.Run("send failure", func(t *testing.T) {
		f := newSessionFixture(t, nil)
		f.start(t)
		f.transport.DeliverRaw(t, `{"cmd":"heartbeat","sid":"gw1","token":"abc"}`)
		f.transport.sendErr = ErrSend
		err := f.session.Write(context.Background(), "dev1", []string{"status"}, []any{"on"})
		if !errors.Is(err, ErrSend) {
			t.Errorf("Write() error = %v, want ErrSend", err)
		}
	})
}

func TestSessionWriteWithRealEncryption(t *testing.T) {
	f := newSessionFixture(t, func(o *SessionOptions) { o.Encrypt = nil })
	f.start(t)
	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","sid":"gw1","token":"1234567890abcdef"}`)
	f.transport.ClearSent()

	if err := f.session.Write(context.Background(), "dev1", []string{"status"}, []any{"on"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	want, err := EncryptToken("1234567890abcdef", testKey)
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}
	data, _ := decodeSent(t, f.transport.Unicast()[0]).DataObject() //nolint:errcheck // asserted below
	if data["key"] != want {
		t.Errorf("key = %v, want %s", data["key"], want)
	}
}

func TestSessionLiveness(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	// No response yet: stays discovering.
	f.session.checkLiveness()
	if got := f.session.State(); got != StateDiscovering {
		t.Fatalf("State() = %v, want discovering", got)
	}

	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"abc"}`)
	if got := f.session.State(); got != StateOnline {
		t.Fatalf("State() after gateway heartbeat = %v, want online", got)
	}
	if !f.session.IsGatewayOnline() {
		t.Error("IsGatewayOnline() = false")
	}

	f.clock.Advance(29 * time.Second)
	f.session.checkLiveness()
	if got := f.session.State(); got != StateOnline {
		t.Errorf("State() after 29s = %v, want online", got)
	}

	// Device traffic does not keep the gateway online.
	f.transport.DeliverRaw(t, `{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)
	f.clock.Advance(2 * time.Second)
	f.session.checkLiveness()
	if got := f.session.State(); got != StateOffline {
		t.Errorf("State() after 31s = %v, want offline", got)
	}

	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"abc"}`)
	if got := f.session.State(); got != StateOnline {
		t.Errorf("State() after recovery = %v, want online", got)
	}

	events := f.status.Events()
	want := []SessionState{StateOnline, StateOffline, StateOnline}
	if len(events) != len(want) {
		t.Fatalf("status events = %+v, want %v", events, want)
	}
	for i, w := range want {
		if events[i].State != w || events[i].SID != "gw1" {
			t.Errorf("event %d = %+v, want %v", i, events[i], w)
		}
	}
	if !strings.Contains(events[1].Reason, "no message") {
		t.Errorf("offline reason = %q", events[1].Reason)
	}
}

func TestSessionDiscoveringWithoutGatewayGoesOffline(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)
	f.session.checkLiveness()

	if got := f.session.State(); got != StateOffline {
		t.Errorf("State() = %v, want offline", got)
	}
}

func TestSessionRediscoveryKeepsLiveness(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"heartbeat","model":"gateway","sid":"gw1","token":"abc"}`)
	if got := f.session.State(); got != StateOnline {
		t.Fatalf("State() = %v, want online", got)
	}

	// Registering a listener past the rate limit re-enters discovery.
	f.clock.Advance(11 * time.Second)
	sub, err := f.session.RegisterItemListener(context.Background(), ItemListenerFunc(func(string, string, *Message) {}))
	if err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}
	defer f.session.UnregisterItemListener(sub)
	if got := f.session.State(); got != StateDiscovering {
		t.Fatalf("State() after re-discovery = %v, want discovering", got)
	}

	// Gateway still fresh: back to online without a new status event.
	f.session.checkLiveness()
	if got := f.session.State(); got != StateOnline {
		t.Errorf("State() = %v, want online", got)
	}

	// The gateway goes quiet after another re-discovery.
	f.clock.Advance(11 * time.Second)
	if _, err := f.session.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		f.clock.Advance(10 * time.Second)
		f.session.checkLiveness()
	}

	if got := f.session.State(); got != StateOffline {
		t.Errorf("State() after silence = %v, want offline", got)
	}
	events := f.status.Events()
	want := []SessionState{StateOnline, StateOffline}
	if len(events) != len(want) {
		t.Fatalf("status events = %+v, want %v", events, want)
	}
	for i, w := range want {
		if events[i].State != w {
			t.Errorf("event %d = %+v, want %v", i, events[i], w)
		}
	}
}

func TestSessionUnansweredDiscoveryGoesOffline(t *testing.T) {
	f := newSessionFixture(t, func(o *SessionOptions) { o.LivenessInterval = 10 * time.Second })
	f.start(t)

	f.clock.Advance(5 * time.Second)
	f.session.checkLiveness()
	if got := f.session.State(); got != StateDiscovering {
		t.Fatalf("State() within first interval = %v, want discovering", got)
	}

	f.clock.Advance(5 * time.Second)
	f.session.checkLiveness()
	if got := f.session.State(); got != StateOffline {
		t.Errorf("State() after unanswered discovery = %v, want offline", got)
	}
	events := f.status.Events()
	if len(events) != 1 || events[0].State != StateOffline {
		t.Errorf("status events = %+v, want one offline", events)
	}
}

func TestSessionDeviceOnline(t *testing.T) {
	f := newSessionFixture(t, func(o *SessionOptions) { o.DeviceOnlineTimeout = time.Hour })
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)
	if !f.session.IsDeviceOnline("X") {
		t.Error("IsDeviceOnline() = false right after report")
	}
	f.clock.Advance(time.Hour)
	if f.session.IsDeviceOnline("X") {
		t.Error("IsDeviceOnline() = true after threshold")
	}
}

func TestSessionDiscoverRateLimit(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)
	f.transport.ClearSent()
	ctx := context.Background()

	sent, err := f.session.Discover(ctx)
	if err != nil || sent {
		t.Fatalf("Discover() = %v, %v; want suppressed", sent, err)
	}
	if len(f.transport.Unicast()) != 0 {
		t.Error("rate-limited Discover sent a packet")
	}

	f.clock.Advance(11 * time.Second)
	sent, err = f.session.Discover(ctx)
	if err != nil || !sent {
		t.Fatalf("Discover() = %v, %v; want sent", sent, err)
	}
	if got := f.session.State(); got != StateDiscovering {
		t.Errorf("State() = %v, want discovering", got)
	}

	if err := f.session.ForceDiscovery(ctx); err != nil {
		t.Fatalf("ForceDiscovery() error = %v", err)
	}
	if got := len(f.transport.Unicast()); got != 2 {
		t.Errorf("sent %d packets, want 2", got)
	}
}

func TestSessionItemListenerReplay(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"sensor_ht","sid":"X","data":"{\"temperature\":\"2150\"}"}`)
	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"magnet","sid":"Y","data":"{\"status\":\"open\"}"}`)

	rec := &recordingListener{}
	sub, err := f.session.RegisterItemListener(context.Background(), rec)
	if err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}

	f.transport.DeliverRaw(t, `{"cmd":"report","model":"sensor_ht","sid":"X","data":"{\"temperature\":\"2200\"}"}`)

	updates := rec.Updates()
	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	if updates[0].SID != "X" || updates[1].SID != "Y" {
		t.Errorf("replay order = %s, %s; want X, Y", updates[0].SID, updates[1].SID)
	}
	for i := 0; i < 2; i++ {
		if updates[i].Command != CmdReadAck {
			t.Errorf("replay %d command = %q, want read_ack", i, updates[i].Command)
		}
	}
	if updates[2].Command != CmdReport || updates[2].SID != "X" {
		t.Errorf("live update = %+v, want report from X", updates[2])
	}

	f.session.UnregisterItemListener(sub)
	f.transport.DeliverRaw(t, `{"cmd":"report","model":"sensor_ht","sid":"X","data":"{}"}`)
	if got := len(rec.Updates()); got != 3 {
		t.Errorf("updates after unregister = %d, want 3", got)
	}
	f.session.UnregisterItemListener(sub)
	f.session.UnregisterItemListener(nil)
}

func TestSessionListenerSeesUpdatedState(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	var seenActivity, seenRecord bool
	_, err := f.session.RegisterItemListener(context.Background(), ItemListenerFunc(func(sid, _ string, _ *Message) {
		seenActivity = f.session.HasActivitySince(sid, time.Minute)
		_, seenRecord = f.session.Device(sid)
	}))
	if err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}

	f.transport.DeliverRaw(t, `{"cmd":"read_ack","model":"plug","sid":"P","data":"{\"status\":\"on\"}"}`)

	if !seenActivity {
		t.Error("listener ran before liveness was updated")
	}
	if !seenRecord {
		t.Error("listener ran before directory was updated")
	}
}

func TestSessionListenerPanic(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	if _, err := f.session.RegisterItemListener(context.Background(), ItemListenerFunc(func(string, string, *Message) {
		panic("boom")
	})); err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}
	rec := &recordingListener{}
	if _, err := f.session.RegisterItemListener(context.Background(), rec); err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}

	f.transport.DeliverRaw(t, `{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)

	if got := len(rec.Updates()); got != 1 {
		t.Errorf("updates = %d, want 1", got)
	}
}

func TestSessionSourceFiltering(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.start(t)

	rec := &recordingListener{}
	if _, err := f.session.RegisterItemListener(context.Background(), rec); err != nil {
		t.Fatalf("RegisterItemListener() error = %v", err)
	}

	other, _ := Decode([]byte(`{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)) //nolint:errcheck // constant
	other.Source = &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9898}
	f.transport.Deliver(other)

	if len(rec.Updates()) != 0 {
		t.Error("message from another gateway was accepted")
	}
	if f.session.HasActivitySince("X", time.Minute) {
		t.Error("message from another gateway refreshed liveness")
	}

	own, _ := Decode([]byte(`{"cmd":"report","model":"motion","sid":"X","data":"{}"}`)) //nolint:errcheck // constant
	own.Source = &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4321}
	f.transport.Deliver(own)

	if len(rec.Updates()) != 1 {
		t.Error("message from own gateway was rejected")
	}
}

func TestSessionGatewayStripsKey(t *testing.T) {
	f := newSessionFixture(t, nil)
	if got := f.session.Gateway(); got.Key != "" || got.SID != "gw1" {
		t.Errorf("Gateway() = %+v, want sid gw1 and no key", got)
	}
	if f.session.GatewayID() != "gw1" {
		t.Errorf("GatewayID() = %q", f.session.GatewayID())
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateDiscovering, "discovering"},
		{StateOnline, "online"},
		{StateOffline, "offline"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
