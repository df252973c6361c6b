package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hcx/internal/platform/notify"
)

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func receive(t *testing.T, c *Client) notify.Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var e notify.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return notify.Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not have received %s", c.ID, msg)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	client := NewClient("claim")
	hub.Register(client)

	if hub.ClientCount() != 1 || hub.TopicCount("claim") != 1 {
		t.Fatalf("clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("claim"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("claim") != 0 {
		t.Fatalf("clients=%d topic=%d after unregister", hub.ClientCount(), hub.TopicCount("claim"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed after unregister")
	}
	hub.Unregister(client)
}

func TestHub_PublishMatchesNameWorkflowAndCorrelation(t *testing.T) {
	hub := newTestHub()
	byName := NewClient("claim:new")
	byWorkflow := NewClient("claim")
	byCorrelation := NewClient("c1")
	everything := NewClient(AllTopics)
	other := NewClient("preauth")
	for _, c := range []*Client{byName, byWorkflow, byCorrelation, everything, other} {
		hub.Register(c)
	}

	var pub notify.Publisher = hub
	err := pub.Publish(context.Background(), notify.New("claim", notify.SuffixNew, "c1", "", json.RawMessage(`{"resourceType":"Bundle"}`)))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, c := range []*Client{byName, byWorkflow, byCorrelation, everything} {
		e := receive(t, c)
		if e.Name != "claim:new" || e.CorrelationID != "c1" {
			t.Errorf("client %v got %+v", c.Topics, e)
		}
	}
	expectNothing(t, other)
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := newTestHub()
	c := NewClient("claim", "claim-response", "c1", AllTopics)
	hub.Register(c)

	hub.Publish(context.Background(), notify.New("claim", notify.SuffixResponse, "c1", "complete", nil))
	receive(t, c)
	expectNothing(t, c)
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub()
	c := &Client{ID: "slow", Topics: []string{"claim"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	for i := 0; i < 3; i++ {
		hub.Publish(context.Background(), notify.New("claim", notify.SuffixNew, "c1", "", nil))
	}
	if hub.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", hub.Dropped())
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"claim", "preauth", "c9"}})
	if hub.TopicCount("claim") != 1 || len(client.Topics) != 3 {
		t.Fatalf("subscribe failed: %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"claim", "c9"}})
	if hub.TopicCount("claim") != 0 || hub.TopicCount("preauth") != 1 || len(client.Topics) != 1 {
		t.Fatalf("unsubscribe failed: %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Fatal("unknown action should be ignored")
	}
}

func TestHub_SubscribeIgnoresUnregisteredClient(t *testing.T) {
	hub := newTestHub()
	hub.Subscribe(NewClient(), []string{"claim"})
	if hub.TopicCount("claim") != 0 {
		t.Fatal("unregistered client should not be subscribed")
	}
}

func TestHub_ConcurrentPublishAndRegister(t *testing.T) {
	hub := newTestHub()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c := NewClient(AllTopics)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), notify.New("claim", notify.SuffixNew, "c1", "", nil))
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newTestHub()).RegisterRoutes(e)

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	err := NewHandler(newTestHub()).HandleConnect(e.NewContext(req, rec))
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topic=claim"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("claim") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), notify.New("claim", notify.SuffixResponse, "c1", "complete", nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got notify.Event
	if err := json.Unmarshal(msg, &got); err != nil || got.Name != "claim-response" {
		t.Fatalf("received %s (%v)", msg, err)
	}
}
