package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/recovery"
	"github.com/garrison-dev/garrison/internal/runner"
	"github.com/garrison-dev/garrison/internal/store"
)

type idleBackend struct{}

func (idleBackend) Kind() agent.Kind                              { return agent.KindBatchResume }
func (idleBackend) Command() string                               { return "/bin/sh" }
func (idleBackend) BuildArgs(req *agent.RunnerRequest) []string   { return []string{"-c", "true"} }
func (idleBackend) ParseEvent(line string) []*agent.StandardEvent { return nil }
func (idleBackend) ExtractSessionID(line string) string           { return "" }
func (idleBackend) RequiresStdinInput() bool                      { return false }
func (idleBackend) FormatStdinInput(prompt string) string         { return prompt }

func newTestHub(t *testing.T) (*Hub, *store.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	snap, _ := recovery.NewSnapshot(dir)
	b := bus.New()
	r := runner.New(b, st, snap, runner.Config{
		CaptureDir: filepath.Join(dir, "captures"),
		BackendFactory: func(kind agent.Kind, model string) (agent.Backend, error) {
			return idleBackend{}, nil
		},
	}, runner.Callbacks{})

	h := New(st, r, b)
	t.Cleanup(func() {
		h.Close()
		r.Shutdown()
		_ = st.Close()
	})
	return h, st, b
}

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) OutboundMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("never received %s", msgType)
	return OutboundMessage{}
}

func TestConnectReceivesSnapshot(t *testing.T) {
	h, st, _ := newTestHub(t)
	_ = st.CreateAgent(&store.Agent{ID: "a1", Name: "scout", WorkingDir: "/w", Backend: "batch-resume"})

	conn := dialTestHub(t, h)

	first := readMessage(t, conn)
	if first.Type != OutAgentsUpdate {
		t.Fatalf("expected agents_update first, got %s", first.Type)
	}
	second := readMessage(t, conn)
	if second.Type != OutAreasUpdate {
		t.Fatalf("expected areas_update second, got %s", second.Type)
	}
}

func TestSpawnAgentRoundTrip(t *testing.T) {
	h, st, _ := newTestHub(t)
	conn := dialTestHub(t, h)

	// skip the snapshot
	readMessage(t, conn)
	readMessage(t, conn)

	spawn := map[string]interface{}{
		"type": InSpawnAgent,
		"payload": map[string]interface{}{
			"name":       "builder",
			"workingDir": t.TempDir(),
			"backend":    "batch-resume",
		},
	}
	if err := conn.WriteJSON(spawn); err != nil {
		t.Fatalf("write: %v", err)
	}

	created := readUntil(t, conn, OutAgentCreated)
	if created.AgentID == "" {
		t.Error("agent_created missing agent id")
	}

	agents, _ := st.ListAgents()
	if len(agents) != 1 || agents[0].Name != "builder" {
		t.Errorf("agent not persisted: %+v", agents)
	}
}

func TestUnknownInboundTypeIsIgnored(t *testing.T) {
	h, _, _ := newTestHub(t)
	conn := dialTestHub(t, h)
	readMessage(t, conn)
	readMessage(t, conn)

	_ = conn.WriteJSON(map[string]interface{}{"type": "self_destruct", "payload": map[string]interface{}{}})

	errMsg := readUntil(t, conn, OutError)
	payload, _ := json.Marshal(errMsg.Payload)
	if !strings.Contains(string(payload), "unknown message type") {
		t.Errorf("expected unknown-type rejection, got %s", payload)
	}

	// connection must survive
	_ = conn.WriteJSON(map[string]interface{}{
		"type":    InSyncAreas,
		"payload": map[string]interface{}{"areas": []interface{}{}},
	})
	readUntil(t, conn, OutAreasUpdate)
}

func TestInvalidPayloadRejectedBySchema(t *testing.T) {
	h, st, _ := newTestHub(t)
	conn := dialTestHub(t, h)
	readMessage(t, conn)
	readMessage(t, conn)

	// missing required workingDir
	_ = conn.WriteJSON(map[string]interface{}{
		"type":    InSpawnAgent,
		"payload": map[string]interface{}{"name": "x", "backend": "batch-resume"},
	})
	readUntil(t, conn, OutError)

	agents, _ := st.ListAgents()
	if len(agents) != 0 {
		t.Errorf("invalid spawn must not create an agent: %+v", agents)
	}
}

func TestSyncAreasBroadcast(t *testing.T) {
	h, st, _ := newTestHub(t)
	conn := dialTestHub(t, h)
	readMessage(t, conn)
	readMessage(t, conn)

	_ = conn.WriteJSON(map[string]interface{}{
		"type": InSyncAreas,
		"payload": map[string]interface{}{
			"areas": []map[string]interface{}{
				{"id": "ar1", "name": "workshop"},
			},
		},
	})

	update := readUntil(t, conn, OutAreasUpdate)
	data, _ := json.Marshal(update.Payload)
	if !strings.Contains(string(data), "workshop") {
		t.Errorf("areas_update missing synced area: %s", data)
	}

	areas, _ := st.ListAreas()
	if len(areas) != 1 || areas[0].ID != "ar1" {
		t.Errorf("areas not persisted: %+v", areas)
	}
}

func TestBusEventForwarded(t *testing.T) {
	h, _, b := newTestHub(t)
	conn := dialTestHub(t, h)
	readMessage(t, conn)
	readMessage(t, conn)

	b.Publish(bus.Message{
		Topic:   bus.TopicEvent,
		AgentID: "a1",
		Payload: &agent.StandardEvent{Type: agent.EventText, Text: "hello"},
	})

	msg := readUntil(t, conn, OutEvent)
	if msg.AgentID != "a1" {
		t.Errorf("event missing agent id: %+v", msg)
	}
}

func TestBroadcastNeverBlocksOnSlowObserver(t *testing.T) {
	h, _, _ := newTestHub(t)

	// a client whose buffer is already full and is never drained
	stuck := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
	stuck.send <- []byte("{}")
	h.mu.Lock()
	h.clients[stuck] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast(OutboundMessage{Type: OutOutput, Payload: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow observer")
	}
}

func TestBroadcastToDetachedClientNeverPanics(t *testing.T) {
	h, _, _ := newTestHub(t)

	// model a broadcast whose client-set snapshot was taken just before
	// the client detached: the snapshot still holds the client after
	// unregister has run
	c := newClient(h, nil)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.unregister(c)

	// a send offered to the detached client must be a silent drop
	c.enqueue([]byte("{}"))

	if h.ClientCount() != 0 {
		t.Fatalf("detached client still registered")
	}
}

func TestBroadcastDuringChurnNeverPanics(t *testing.T) {
	h, _, _ := newTestHub(t)

	stop := make(chan struct{})
	broadcasts := make(chan struct{})
	go func() {
		defer close(broadcasts)
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(OutboundMessage{Type: OutOutput, Payload: "x"})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		c := newClient(h, nil)
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()
		h.unregister(c)
	}

	close(stop)
	select {
	case <-broadcasts:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcaster did not finish")
	}
}

func TestValidatePayload(t *testing.T) {
	good := json.RawMessage(`{"agentId":"a1","command":"go"}`)
	if err := validatePayload(InSendCommand, good); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	cases := []struct {
		msgType string
		payload string
	}{
		{InSendCommand, `{"agentId":"a1"}`},          // missing command
		{InSendCommand, `{"agentId":"","command":"x"}`}, // empty id
		{InSpawnAgent, `{"name":"x","workingDir":"/w","backend":"smoke-signals"}`},
		{InSendCommand, `not json`},
		{"no_such_type", `{}`},
	}
	for _, c := range cases {
		if err := validatePayload(c.msgType, json.RawMessage(c.payload)); err == nil {
			t.Errorf("accepted invalid %s payload %s", c.msgType, c.payload)
		}
	}
}
