package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// plainWriter has none of the optional writer interfaces.
type plainWriter struct {
	header http.Header
	body   bytes.Buffer
}

func (w *plainWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}
func (w *plainWriter) WriteHeader(int)             {}
func (w *plainWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

type flushWriter struct {
	*plainWriter
	flushed bool
}

func (w *flushWriter) Flush() { w.flushed = true }

type hijackWriter struct {
	*plainWriter
	hijacked bool
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushHijackWriter struct {
	*plainWriter
	flushed  bool
	hijacked bool
}

func (w *flushHijackWriter) Flush() { w.flushed = true }
func (w *flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func serveLogged(t *testing.T, w http.ResponseWriter, method, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var out bytes.Buffer
	logged := AccessLog(slog.New(slog.NewJSONHandler(&out, nil)), h)
	req := httptest.NewRequest(method, path, nil).WithContext(WithRequestID(context.Background(), "req_test"))
	logged.ServeHTTP(w, req)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", out.String(), err)
	}
	return rec
}

func TestAccessLog_OptionalInterfaces(t *testing.T) {
	tests := []struct {
		name       string
		w          http.ResponseWriter
		wantFlush  bool
		wantHijack bool
	}{
		{name: "plain", w: &plainWriter{}},
		{name: "flusher", w: &flushWriter{plainWriter: &plainWriter{}}, wantFlush: true},
		{name: "hijacker", w: &hijackWriter{plainWriter: &plainWriter{}}, wantHijack: true},
		{name: "both", w: &flushHijackWriter{plainWriter: &plainWriter{}}, wantFlush: true, wantHijack: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serveLogged(t, tt.w, http.MethodGet, "/ws/audio/abcde", func(w http.ResponseWriter, r *http.Request) {
				f, canFlush := w.(http.Flusher)
				hj, canHijack := w.(http.Hijacker)
				if canFlush != tt.wantFlush || canHijack != tt.wantHijack {
					t.Fatalf("flush=%v hijack=%v, want %v/%v", canFlush, canHijack, tt.wantFlush, tt.wantHijack)
				}
				if canFlush {
					f.Flush()
				}
				if canHijack {
					_, _, _ = hj.Hijack()
				}
			})

			switch w := tt.w.(type) {
			case *flushWriter:
				if !w.flushed {
					t.Fatalf("flush did not reach the underlying writer")
				}
			case *hijackWriter:
				if !w.hijacked {
					t.Fatalf("hijack did not reach the underlying writer")
				}
			case *flushHijackWriter:
				if !w.flushed || !w.hijacked {
					t.Fatalf("flushed=%v hijacked=%v", w.flushed, w.hijacked)
				}
			}
		})
	}
}

func TestAccessLog_Status(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
		want int
	}{
		{"explicit", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }, http.StatusCreated},
		{"implicit write", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") }, http.StatusOK},
		{"nothing written", func(w http.ResponseWriter, r *http.Request) {}, http.StatusOK},
		{"first header wins", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.WriteHeader(http.StatusInternalServerError)
		}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveLogged(t, httptest.NewRecorder(), http.MethodGet, "/healthz", tt.h)
			if got, ok := rec["status"].(float64); !ok || int(got) != tt.want {
				t.Fatalf("status=%v, want %d", rec["status"], tt.want)
			}
		})
	}
}

func TestAccessLog_LogsRequestFields(t *testing.T) {
	rec := serveLogged(t, httptest.NewRecorder(), http.MethodDelete, "/sessions/abcde", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if rec["msg"] != "request" || rec["request_id"] != "req_test" || rec["method"] != "DELETE" || rec["path"] != "/sessions/abcde" {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["duration_ms"]; !ok {
		t.Fatalf("missing duration_ms")
	}
}
