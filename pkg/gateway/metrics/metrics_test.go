package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ConnectionGauges(t *testing.T) {
	m := New("")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.DuplicateRejected()

	if got := testutil.ToFloat64(m.LiveConnectionsActive); got != 1 {
		t.Fatalf("active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LiveConnectionsTotal); got != 2 {
		t.Fatalf("total=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DuplicatesRejected); got != 1 {
		t.Fatalf("duplicates=%v, want 1", got)
	}
}

func TestMetrics_CaptureAndUploadOutcomes(t *testing.T) {
	m := New("test")
	m.ObserveCapture("success", 800*time.Millisecond)
	m.ObserveCapture("timeout", 25*time.Second)
	m.ObserveCapture("success", time.Second)
	m.ObserveUpload("accepted")
	m.ObserveUpload("rejected")

	if got := testutil.ToFloat64(m.CapturesTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("success=%v", got)
	}
	if got := testutil.ToFloat64(m.CapturesTotal.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("timeout=%v", got)
	}
	if got := testutil.CollectAndCount(m.CaptureDuration); got != 2 {
		t.Fatalf("histogram series=%d, want 2", got)
	}
	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected=%v", got)
	}
}

func TestMetrics_HandlerExposesGaugeFunc(t *testing.T) {
	m := New("")
	subs := 3
	m.GaugeFunc("", "store_subscriptions", "Open document store subscriptions", func() int { return subs })
	m.ObserveUpload("accepted")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"hwbuddy_store_subscriptions 3",
		`hwbuddy_uploads_total{outcome="accepted"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
