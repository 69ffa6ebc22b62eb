package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/config"
)

func loopbackConfig() config.Config {
	return config.Config{
		Addr:                     "127.0.0.1:0",
		CORSAllowedOrigins:       map[string]struct{}{},
		LogFormat:                "text",
		LogLevel:                 "info",
		CaptureTransport:         "direct",
		CaptureTimeout:           time.Second,
		CaptureMaxTimeout:        5 * time.Second,
		LegacyTakePictureTimeout: 200 * time.Millisecond,
		UploadMaxBytes:           1 << 20,
		UploadAllowedTypes:       []string{"image/jpeg", "image/png"},
		UploadRPS:                10,
		UploadBurst:              10,
		Store:                    config.StoreMemory,
		Agent:                    config.AgentLoopback,
		AudioInRate:              16000,
		AudioOutRate:             24000,
		WSMaxMessageBytes:        256 << 10,
		WSPingInterval:           time.Hour,
		WSWriteTimeout:           time.Second,
		WSOutboundBuffer:         16,
		ReadHeaderTimeout:        time.Second,
		ReadTimeout:              time.Second,
		ShutdownGracePeriod:      2 * time.Second,
		ServiceName:              "hwbuddy-live-test",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newApp: func(context.Context, config.Config, *slog.Logger) (*app, error) {
			t.Fatalf("newApp should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunServer_MissingDependencies(t *testing.T) {
	err := runServer(context.Background(), io.Discard, serverDeps{})
	if err == nil {
		t.Fatalf("expected error for empty deps")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{LogFormat: "json", LogLevel: "warn"})

	logger.Info("hidden")
	logger.Warn("shown", "session_id", "chem-lab-4")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %q", out)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", out, err)
	}
	if line["msg"] != "shown" || line["session_id"] != "chem-lab-4" {
		t.Fatalf("line=%v", line)
	}
}

func TestNewApp_LoopbackMemorySmoke(t *testing.T) {
	a, err := newApp(context.Background(), loopbackConfig(), discardLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(`{"session_id":"chem-lab-4"}`))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	if a.registry.Len() != 1 {
		t.Fatalf("registry len=%d, want 1", a.registry.Len())
	}

	if err := a.close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.registry.Len() != 0 {
		t.Fatalf("registry len after close=%d, want 0", a.registry.Len())
	}
}

func TestNewApp_RedisStoreReady(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loopbackConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = mr.Addr()
	cfg.RedisPrefix = "hwbuddy-test"
	cfg.RedisTTL = time.Hour

	a, err := newApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	rr := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"store":"redis"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	mr.Close()
	rr = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with redis down status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := loopbackConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = addr

	if _, err := newApp(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestRunServer_ShutsDownOnSignal(t *testing.T) {
	readyCh := make(chan string, 1)
	notifyCh := make(chan chan<- os.Signal, 1)

	done := make(chan error, 1)
	go func() {
		done <- runServer(context.Background(), io.Discard, serverDeps{
			loadConfig: func() (config.Config, error) { return loopbackConfig(), nil },
			newApp:     newApp,
			signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
				notifyCh <- c
			},
			signalStop: func(c chan<- os.Signal) {},
			ready:      func(addr string) { readyCh <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-readyCh:
	case err := <-done:
		t.Fatalf("runServer returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	sigCh := <-notifyCh
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after signal")
	}
}
