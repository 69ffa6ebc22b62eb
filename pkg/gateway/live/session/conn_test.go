package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent/agenttest"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/protocol"
)

const testSessionID = "session-1"

type liveHarness struct {
	rt     *agenttest.Runtime
	client *websocket.Conn
	conn   *Conn
	runErr chan error
}

func startLive(t *testing.T, cfg Config) *liveHarness {
	t.Helper()
	h := &liveHarness{rt: agenttest.New(), runErr: make(chan error, 1)}
	conns := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream, err := h.rt.Open(r.Context(), testSessionID)
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		c, err := New(Dependencies{WS: ws, Runtime: h.rt, Stream: stream, SessionID: testSessionID, Config: cfg})
		if err != nil {
			t.Errorf("new conn: %v", err)
			return
		}
		conns <- c
		h.runErr <- c.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client

	select {
	case h.conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}
	if msg := h.read(t); msg.Type != "agent_ready" {
		t.Fatalf("first frame=%+v, want agent_ready", msg)
	}
	return h
}

func (h *liveHarness) read(t *testing.T) protocol.ServerMessage {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	if err := h.client.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func (h *liveHarness) send(t *testing.T, raw string) {
	t.Helper()
	if err := h.client.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *liveHarness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not finish")
	}
	return <-h.runErr
}

func TestConn_ForwardsAgentEvents(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.rt.Emit(testSessionID, agent.Event{Kind: agent.EventText, Text: "What does the problem ask?"})
	h.rt.Emit(testSessionID, agent.Event{Kind: agent.EventAudio, Audio: []byte{0xFF, 0xD8}})
	h.rt.Emit(testSessionID, agent.Event{Kind: agent.EventToolCall, Tool: agent.CaptureToolName})
	h.rt.Emit(testSessionID, agent.Event{Kind: agent.EventTurnComplete})

	if msg := h.read(t); msg.Type != "text" || msg.Content != "What does the problem ask?" {
		t.Fatalf("text=%+v", msg)
	}
	if msg := h.read(t); msg.Type != "audio" || msg.Data != "/9g=" {
		t.Fatalf("audio=%+v", msg)
	}
	if msg := h.read(t); msg.Type != "tool_call" || msg.Tool != agent.CaptureToolName {
		t.Fatalf("tool_call=%+v", msg)
	}
	if msg := h.read(t); msg.Type != "turn_complete" {
		t.Fatalf("turn_complete=%+v", msg)
	}
}

func TestConn_InboundDispatchSurvivesBadFrames(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.send(t, `{not json`)
	h.send(t, `{"type":"audio","data":"***"}`)
	h.send(t, `{"type":"teleport"}`)
	h.send(t, `{"type":"start_recording"}`)
	if msg := h.read(t); msg.Type != "recording_started" {
		t.Fatalf("got %+v", msg)
	}
	h.send(t, `{"type":"stop_recording"}`)
	if msg := h.read(t); msg.Type != "recording_stopped" {
		t.Fatalf("got %+v", msg)
	}
	h.send(t, `{"type":"ping"}`)
	if msg := h.read(t); msg.Type != "pong" {
		t.Fatalf("got %+v", msg)
	}
}

func TestConn_ForwardsAudioToRuntime(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.send(t, `{"type":"audio","data":"AAEC"}`)
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte{9, 9}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.rt.Inputs(testSessionID)) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	inputs := h.rt.Inputs(testSessionID)
	if len(inputs) != 2 || string(inputs[0].Audio) != "\x00\x01\x02" || string(inputs[1].Audio) != "\x09\x09" {
		t.Fatalf("inputs=%+v", inputs)
	}
}

func TestConn_StreamEndSendsTerminalStatus(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.rt.End(testSessionID)
	if msg := h.read(t); msg.Type != "turn_complete" || msg.Message != "Session ended" {
		t.Fatalf("terminal=%+v", msg)
	}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestConn_StreamErrorNotifiesClient(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.rt.Fail(testSessionID, errors.New("model exploded"))
	msg := h.read(t)
	if msg.Type != "error" || msg.Code != "agent_error" {
		t.Fatalf("error=%+v", msg)
	}
	if strings.Contains(msg.Message, "exploded") {
		t.Fatalf("internal error leaked: %q", msg.Message)
	}
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestConn_ClientCloseIsQuiet(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	_ = h.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	h.client.Close()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v, want nil on client disconnect", err)
	}
	if h.rt.Emit(testSessionID, agent.Event{Kind: agent.EventText, Text: "late"}) {
		t.Fatalf("stream should be closed after the connection ended")
	}
}

func TestConn_CancelClosesSocket(t *testing.T) {
	h := startLive(t, Config{PingInterval: time.Hour})

	h.conn.Cancel()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := h.client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err=%v, want normal close", err)
	}
	if err := h.conn.Send(protocol.Text("late")); err == nil {
		t.Fatalf("send after cancel should fail")
	}
	if err := h.conn.Run(); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestConn_RequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error without websocket")
	}
	if _, err := newConn(nil, Dependencies{Runtime: agenttest.New()}); err == nil {
		t.Fatalf("expected error without stream")
	}
}
