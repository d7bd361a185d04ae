package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"spyglass/internal/trace"
	"spyglass/pkg/logging"
	"spyglass/pkg/testutil"
)

type fakeSession struct {
	mu            sync.Mutex
	connected     []string
	disconnected  []string
	requests      []string
	monitoringOn  bool
}

func (f *fakeSession) ViewerConnected(viewerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, viewerID)
}

func (f *fakeSession) ViewerDisconnected(viewerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, viewerID)
}

func (f *fakeSession) HandleRequest(viewerID, action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, action)
}

func (f *fakeSession) MonitoringActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitoringOn
}

func (f *fakeSession) setMonitoring(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoringOn = on
}

func (f *fakeSession) connectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected)
}

func (f *fakeSession) disconnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func (f *fakeSession) lastRequest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1]
}

func newTestHub(t *testing.T) (*Hub, *fakeSession, string) {
	t.Helper()
	session := &fakeSession{}
	hub := NewHub(logging.NewLogger(), nil)
	hub.SetSession(session)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)

	return hub, session, strings.Replace(server.URL, "http://", "ws://", 1)
}

func waitForHub(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

func TestHubGreetsNewViewer(t *testing.T) {
	_, session, url := newTestHub(t)
	session.setMonitoring(true)

	client, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	msg, err := client.ReadMessageTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("expected greeting, got %v", err)
	}
	if msg["type"] != TypeConnectionStatus {
		t.Fatalf("expected connection-status greeting, got %v", msg["type"])
	}
	data, ok := msg["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %#v", msg["data"])
	}
	if data["connected"] != true {
		t.Fatalf("expected connected=true, got %v", data["connected"])
	}
	if data["monitoringActive"] != true {
		t.Fatalf("expected monitoringActive=true, got %v", data["monitoringActive"])
	}

	waitForHub(t, func() bool { return session.connectedCount() == 1 }, "session connect notification")
}

func TestHubFanOutWithDistinctDeliveryIDs(t *testing.T) {
	hub, _, url := newTestHub(t)

	clientA, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer clientA.Close()
	clientB, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer clientB.Close()

	// Drain greetings.
	if _, err := clientA.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting A: %v", err)
	}
	if _, err := clientB.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting B: %v", err)
	}

	waitForHub(t, func() bool { return hub.ClientCount() == 2 }, "both clients registered")

	hub.BroadcastTrace(trace.Event{
		OccurredAt: time.Now().UTC(),
		Action:     trace.ActionPublish,
		Target:     "orders",
		RoutingKey: "publish.orders",
		BodySize:   2,
		Body:       map[string]interface{}{"a": float64(1)},
	})

	msgA, err := clientA.ReadMessageTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("client A delivery: %v", err)
	}
	msgB, err := clientB.ReadMessageTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("client B delivery: %v", err)
	}

	if msgA["type"] != TypeFirehoseMessage || msgB["type"] != TypeFirehoseMessage {
		t.Fatalf("expected firehose messages, got %v / %v", msgA["type"], msgB["type"])
	}

	dataA := msgA["data"].(map[string]interface{})
	dataB := msgB["data"].(map[string]interface{})

	if dataA["id"] == "" || dataA["id"] == dataB["id"] {
		t.Fatalf("expected distinct per-delivery ids, got %v / %v", dataA["id"], dataB["id"])
	}
	if dataA["target"] != "orders" || dataB["target"] != "orders" {
		t.Fatalf("expected identical event fields, got %v / %v", dataA["target"], dataB["target"])
	}
}

func TestHubFanOutSkipsUnmarshalableEvent(t *testing.T) {
	hub, _, url := newTestHub(t)

	clientA, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer clientA.Close()
	clientB, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer clientB.Close()

	if _, err := clientA.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting A: %v", err)
	}
	if _, err := clientB.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting B: %v", err)
	}
	waitForHub(t, func() bool { return hub.ClientCount() == 2 }, "both clients registered")

	// A body that cannot be marshalled must not poison the fan-out for
	// anyone; the following event still reaches every viewer.
	hub.BroadcastTrace(trace.Event{
		OccurredAt: time.Now().UTC(),
		Action:     trace.ActionPublish,
		Target:     "orders",
		Body:       make(chan int),
	})
	hub.BroadcastTrace(trace.Event{
		OccurredAt: time.Now().UTC(),
		Action:     trace.ActionDeliver,
		Target:     "billing",
		RoutingKey: "deliver.billing",
	})

	for name, client := range map[string]*testutil.WebSocketTestClient{"A": clientA, "B": clientB} {
		msg, err := client.ReadMessageTimeout(2 * time.Second)
		if err != nil {
			t.Fatalf("client %s delivery: %v", name, err)
		}
		if msg["type"] != TypeFirehoseMessage {
			t.Fatalf("client %s: expected firehose message, got %v", name, msg["type"])
		}
		data := msg["data"].(map[string]interface{})
		if data["target"] != "billing" {
			t.Fatalf("client %s: expected the deliverable event, got %v", name, data["target"])
		}
	}
}

func TestHubForwardsControlFrames(t *testing.T) {
	_, session, url := newTestHub(t)

	client, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if _, err := client.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	if err := client.SendMessage(map[string]interface{}{"action": "start"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitForHub(t, func() bool { return session.lastRequest() == "start" }, "start request forwarded")
}

func TestHubUnicastStatus(t *testing.T) {
	hub, session, url := newTestHub(t)

	clientA, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer clientA.Close()

	if _, err := clientA.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	waitForHub(t, func() bool { return session.connectedCount() == 1 }, "viewer registered")

	session.mu.Lock()
	viewerID := session.connected[0]
	session.mu.Unlock()

	hub.SendStatus(viewerID, false, "monitoring already stopped")

	msg, err := clientA.ReadMessageTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("expected unicast status, got %v", err)
	}
	if msg["type"] != TypeMonitoringStatus {
		t.Fatalf("expected monitoring-status, got %v", msg["type"])
	}
	data := msg["data"].(map[string]interface{})
	if data["message"] != "monitoring already stopped" {
		t.Fatalf("unexpected message: %v", data["message"])
	}
}

func TestHubNotifiesSessionOnDisconnect(t *testing.T) {
	_, session, url := newTestHub(t)

	client, err := testutil.NewWebSocketTestClient(url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := client.ReadMessageTimeout(2 * time.Second); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	waitForHub(t, func() bool { return session.connectedCount() == 1 }, "viewer registered")

	client.Close()

	waitForHub(t, func() bool { return session.disconnectedCount() == 1 }, "disconnect notification")
}
