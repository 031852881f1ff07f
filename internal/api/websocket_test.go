package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mihome/internal/auth"
	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
)

// wsTestServer starts an HTTP server with a running hub.
func wsTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	srv, _, _ := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv.hub = NewHub(srv.wsCfg, srv.logger)
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) WSMessage {
	t.Helper()
	return sendSubscription(t, conn, WSTypeSubscribe, WSSubscribePayload{Channels: channels})
}

func sendSubscription(t *testing.T, conn *websocket.Conn, msgType string, sub WSSubscribePayload) WSMessage {
	t.Helper()
	err := conn.WriteJSON(WSMessage{
		Type:    msgType,
		ID:      "sub-1",
		Payload: sub,
	})
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	return readWS(t, conn)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	_, ts := wsTestServer(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "?token=garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/v1/ws" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestWebSocket_RelaysSubscribedEvents(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	resp := subscribe(t, conn, ChannelItemUpdated)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v, want response sub-1", resp)
	}

	// Not subscribed: must not reach the client.
	srv.relayEvent(mihome.Event{
		Type:    mihome.EventGatewayStatus,
		Gateway: &mihome.GatewayStatusMessage{Gateway: "gw1", Status: "offline"},
	})
	srv.relayEvent(mihome.Event{
		Type: mihome.EventItemUpdated,
		State: &mihome.StateMessage{
			DeviceID: "dev1",
			Gateway:  "gw1",
			Protocol: mihome.Protocol,
			State:    map[string]any{"temperature": "2150"},
			Command:  "report",
		},
	})

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent {
		t.Fatalf("Type = %q, want %q", msg.Type, WSTypeEvent)
	}
	if msg.Channel != ChannelItemUpdated || msg.Gateway != "gw1" || msg.Device != "dev1" {
		t.Errorf("envelope = %+v, want item.updated from gw1/dev1", msg)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Payload = %T, want object", msg.Payload)
	}
	if payload["device_id"] != "dev1" {
		t.Errorf("device_id = %v, want dev1", payload["device_id"])
	}
}

func TestWebSocket_AllChannel(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleAdmin))
	waitForClients(t, srv.hub, 1)
	subscribe(t, conn, ChannelAll)

	srv.relayEvent(mihome.Event{
		Type:    mihome.EventGatewayStatus,
		Gateway: &mihome.GatewayStatusMessage{Gateway: "gw1", Status: "online"},
	})

	msg := readWS(t, conn)
	if msg.Channel != ChannelGatewayStatus {
		t.Errorf("Channel = %q, want %q", msg.Channel, ChannelGatewayStatus)
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	resp := subscribe(t, conn, "device.state_changed")
	if resp.Type != WSTypeError {
		t.Errorf("Type = %q, want %q", resp.Type, WSTypeError)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("reply = %+v, want pong p1", msg)
	}
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	conn.Close()
	waitForClients(t, srv.hub, 0)
}

func TestWebSocket_GatewayFilter(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	resp := sendSubscription(t, conn, WSTypeSubscribe, WSSubscribePayload{
		Channels: []string{ChannelGatewayStatus},
		Gateways: []string{"gw2"},
	})
	if resp.Type != WSTypeResponse {
		t.Fatalf("subscribe response = %+v, want response", resp)
	}

	srv.relayEvent(mihome.Event{
		Type:    mihome.EventGatewayStatus,
		Gateway: &mihome.GatewayStatusMessage{Gateway: "gw1", Status: "offline"},
	})
	srv.relayEvent(mihome.Event{
		Type:    mihome.EventGatewayStatus,
		Gateway: &mihome.GatewayStatusMessage{Gateway: "gw2", Status: "online"},
	})

	msg := readWS(t, conn)
	if msg.Gateway != "gw2" {
		t.Errorf("Gateway = %q, want gw2 (gw1 is filtered out)", msg.Gateway)
	}

	// Dropping the gateway filter delivers every gateway again.
	resp = sendSubscription(t, conn, WSTypeUnsubscribe, WSSubscribePayload{Gateways: []string{"gw2"}})
	if resp.Type != WSTypeResponse {
		t.Fatalf("unsubscribe response = %+v, want response", resp)
	}
	srv.relayEvent(mihome.Event{
		Type:    mihome.EventGatewayStatus,
		Gateway: &mihome.GatewayStatusMessage{Gateway: "gw1", Status: "online"},
	})
	if msg := readWS(t, conn); msg.Gateway != "gw1" {
		t.Errorf("Gateway = %q, want gw1", msg.Gateway)
	}
}

func TestWebSocket_EmptyGateway(t *testing.T) {
	srv, ts := wsTestServer(t)
	conn := dialWS(t, ts, mintToken(t, auth.RoleViewer))
	waitForClients(t, srv.hub, 1)

	resp := sendSubscription(t, conn, WSTypeSubscribe, WSSubscribePayload{
		Channels: []string{ChannelAll},
		Gateways: []string{""},
	})
	if resp.Type != WSTypeError {
		t.Errorf("Type = %q, want %q", resp.Type, WSTypeError)
	}
}

func TestWSFilterMatches(t *testing.T) {
	tests := []struct {
		name    string
		sub     WSSubscribePayload
		channel string
		gateway string
		want    bool
	}{
		{"no subscription", WSSubscribePayload{}, ChannelItemUpdated, "gw1", false},
		{"channel match", WSSubscribePayload{Channels: []string{ChannelItemUpdated}}, ChannelItemUpdated, "gw1", true},
		{"other channel", WSSubscribePayload{Channels: []string{ChannelItemUpdated}}, ChannelDiscovery, "", false},
		{"all channels", WSSubscribePayload{Channels: []string{ChannelAll}}, ChannelDiscovery, "", true},
		{"gateway listed", WSSubscribePayload{Channels: []string{ChannelAll}, Gateways: []string{"gw1"}}, ChannelItemUpdated, "gw1", true},
		{"gateway not listed", WSSubscribePayload{Channels: []string{ChannelAll}, Gateways: []string{"gw1"}}, ChannelItemUpdated, "gw2", false},
		{"event without gateway", WSSubscribePayload{Channels: []string{ChannelDiscovery}, Gateways: []string{"gw1"}}, ChannelDiscovery, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWSFilter()
			f.add(tt.sub)
			if got := f.matches(tt.channel, tt.gateway); got != tt.want {
				t.Errorf("matches(%q, %q) = %v, want %v", tt.channel, tt.gateway, got, tt.want)
			}
		})
	}
}

func TestEventFrame(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ev      mihome.Event
		ok      bool
		channel string
		gateway string
		device  string
	}{
		{
			name:    "item update",
			ev:      mihome.Event{Type: mihome.EventItemUpdated, Timestamp: ts, State: &mihome.StateMessage{DeviceID: "dev1", Gateway: "gw1"}},
			ok:      true,
			channel: ChannelItemUpdated, gateway: "gw1", device: "dev1",
		},
		{
			name:    "gateway status",
			ev:      mihome.Event{Type: mihome.EventGatewayStatus, Timestamp: ts, Gateway: &mihome.GatewayStatusMessage{Gateway: "gw2", Status: "online"}},
			ok:      true,
			channel: ChannelGatewayStatus, gateway: "gw2",
		},
		{
			name: "device scan on one gateway",
			ev: mihome.Event{Type: mihome.EventDiscovery, Timestamp: ts, Discovery: &mihome.DiscoveryMessage{
				Kind:       mihome.DiscoveryKindDevices,
				Candidates: []mihome.Candidate{{ID: "a", Gateway: "gw1"}, {ID: "b", Gateway: "gw1"}},
			}},
			ok:      true,
			channel: ChannelDiscovery, gateway: "gw1",
		},
		{
			name: "device scan across gateways",
			ev: mihome.Event{Type: mihome.EventDiscovery, Timestamp: ts, Discovery: &mihome.DiscoveryMessage{
				Kind:       mihome.DiscoveryKindDevices,
				Candidates: []mihome.Candidate{{ID: "a", Gateway: "gw1"}, {ID: "b", Gateway: "gw2"}},
			}},
			ok:      true,
			channel: ChannelDiscovery,
		},
		{
			name: "gateway scan",
			ev: mihome.Event{Type: mihome.EventDiscovery, Timestamp: ts, Discovery: &mihome.DiscoveryMessage{
				Kind:       mihome.DiscoveryKindGateways,
				Candidates: []mihome.Candidate{{ID: "gw7"}},
			}},
			ok:      true,
			channel: ChannelDiscovery,
		},
		{name: "missing payload", ev: mihome.Event{Type: mihome.EventItemUpdated}},
		{name: "unknown type", ev: mihome.Event{Type: "bridge.restarted"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := eventFrame(tt.ev)
			if ok != tt.ok {
				t.Fatalf("eventFrame() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if msg.Type != WSTypeEvent || msg.Channel != tt.channel || msg.Gateway != tt.gateway || msg.Device != tt.device {
				t.Errorf("eventFrame() = %+v, want channel %q gateway %q device %q", msg, tt.channel, tt.gateway, tt.device)
			}
			if msg.Timestamp != "2026-03-01T12:00:00Z" {
				t.Errorf("Timestamp = %q, want event time", msg.Timestamp)
			}
		})
	}
}

func TestHubPublish_DropsWhenFull(t *testing.T) {
	hub := NewHub(testDeps(newFakeBridge(), nil).WS, testLogger())
	client := hub.newClient(nil, &auth.Claims{Role: auth.RoleViewer})
	client.send = make(chan []byte, 1)
	client.filter.add(WSSubscribePayload{Channels: []string{ChannelDiscovery}})
	hub.Register(client)

	ev := mihome.Event{
		Type:      mihome.EventDiscovery,
		Discovery: &mihome.DiscoveryMessage{Kind: mihome.DiscoveryKindGateways},
	}
	hub.Publish(ev)
	hub.Publish(ev)

	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if msg.Channel != ChannelDiscovery || msg.Timestamp == "" {
			t.Errorf("envelope = %+v, want discovery with timestamp", msg)
		}
	default:
		t.Fatal("no message delivered")
	}
	if got := client.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	hub.Unregister(client)
	// Sending to an unregistered client must not panic.
	client.trySend([]byte("late"))
}
