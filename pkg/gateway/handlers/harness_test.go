package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent/agenttest"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/capture"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	coresession "github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/upload"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/watch"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/lifecycle"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/protocol"
	livesession "github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/sessions"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/mw"
)

type stack struct {
	registry *coresession.Registry
	store    *docstore.Memory
	capture  *capture.Rendezvous
	rt       *agenttest.Runtime
	live     *sessions.Manager
	ingress  *upload.Ingress
	lc       *lifecycle.Lifecycle
	handler  http.Handler
	srv      *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := discardLogger()
	s := &stack{
		registry: coresession.NewRegistry(logger),
		store:    docstore.NewMemory(),
		rt:       agenttest.New(),
		lc:       lifecycle.New(),
	}
	t.Cleanup(func() { _ = s.store.Close() })
	docstore.AttachRelease(s.registry, s.store, logger)

	var err error
	s.capture, err = capture.New(s.registry, capture.Config{DefaultTimeout: time.Second, MaxTimeout: 5 * time.Second},
		capture.WithStore(s.store, watch.New(s.store, logger)),
		capture.WithTrigger(capture.Triggers{
			docstore.CommandTrigger{Store: s.store},
			capture.TriggerFunc(func(ctx context.Context, id, reason string) error {
				return s.live.TriggerCapture(ctx, id, reason)
			}),
		}),
		capture.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	s.live = sessions.New(s.registry, s.rt, sessions.Options{
		Conn:   livesession.Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		Logger: logger,
	})
	s.ingress = upload.NewIngress(upload.Config{}, s.registry, s.capture, s.live, nil, logger)

	sh := SessionsHandler{Registry: s.registry, Store: s.store, Logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", sh.Create)
	mux.HandleFunc("GET /sessions/{id}/status", sh.Status)
	mux.HandleFunc("DELETE /sessions/{id}", sh.Delete)
	mux.HandleFunc("GET /sessions/{id}/command", sh.Command)
	mux.HandleFunc("GET /sessions/{id}/image", sh.Image)
	mux.Handle("POST /sessions/{id}/upload_image", UploadHandler{Ingress: s.ingress, Logger: logger})
	mux.Handle("GET /sessions/{id}/image_status", ImageStatusHandler{Ingress: s.ingress})
	mux.Handle("POST /sessions/{id}/capture", CaptureHandler{Capturer: s.capture, Logger: logger})
	mux.Handle("POST /take_picture", TakePictureHandler{Registry: s.registry, Capturer: s.capture, Timeout: 200 * time.Millisecond, Logger: logger})
	mux.Handle("GET /ws/audio/{id}", LiveHandler{Live: s.live, Lifecycle: s.lc, Logger: logger})
	mux.Handle("GET /debug/sessions", DebugSessionsHandler{Registry: s.registry, Live: s.live, Captures: s.capture})
	mux.Handle("/", NotFoundHandler{})
	s.handler = mw.RequestID(mux)

	s.srv = httptest.NewServer(s.handler)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stack) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *stack) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return s.do(t, method, path, body, "application/json")
}

func (s *stack) mustCreate(t *testing.T, id string) {
	t.Helper()
	if rr := s.doJSON(t, http.MethodPost, "/sessions", map[string]string{"session_id": id}); rr.Code != http.StatusCreated {
		t.Fatalf("create %s: status=%d body=%s", id, rr.Code, rr.Body.String())
	}
}

func (s *stack) waitPending(t *testing.T, id string) {
	t.Helper()
	waitFor(t, "pending capture", func() bool { return s.capture.Pending(id) })
}

func (s *stack) dialLive(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/audio/" + id
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func readServerMessage(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mpw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	for k, v := range fields {
		if err := mpw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := mpw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mpw.FormDataContentType()
}
