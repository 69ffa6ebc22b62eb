package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/config"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/lifecycle"
)

const readyCheckTimeout = 2 * time.Second

// Version is reported by the banner. Overridden at link time.
var Version = "dev"

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyHandler reports whether the process should receive traffic. Checks
// are run on every request; the document store registers one when it is
// remote.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Checks    map[string]func(ctx context.Context) error
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Agent            string   `json:"agent"`
		Store            string   `json:"store"`
		CaptureTransport string   `json:"capture_transport"`
		AudioInRate      int      `json:"audio_in_rate"`
		AudioOutRate     int      `json:"audio_out_rate"`
		Draining         bool     `json:"draining,omitempty"`
		Issues           []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Config.CaptureTimeout <= 0 || h.Config.CaptureMaxTimeout < h.Config.CaptureTimeout {
		issues = append(issues, "capture timeouts are inconsistent")
	}
	if h.Config.UploadMaxBytes <= 0 {
		issues = append(issues, "upload max bytes must be > 0")
	}

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := h.Checks[name](ctx)
		cancel()
		if err != nil {
			issues = append(issues, name+": "+err.Error())
		}
	}

	resp := readyResp{
		OK:               len(issues) == 0,
		Agent:            string(h.Config.Agent),
		Store:            string(h.Config.Store),
		CaptureTransport: h.Config.CaptureTransport,
		AudioInRate:      h.Config.AudioInRate,
		AudioOutRate:     h.Config.AudioOutRate,
		Draining:         draining,
		Issues:           issues,
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// BannerHandler answers GET / with the service description.
type BannerHandler struct {
	Lifecycle *lifecycle.Lifecycle
}

var bannerFeatures = []string{
	"live_audio_websocket",
	"on_demand_capture",
	"image_upload",
	"document_store_commands",
}

func (h BannerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "HW Buddy Live Backend API",
		"version":        Version,
		"features":       bannerFeatures,
		"uptime_seconds": int64(h.Lifecycle.Uptime().Seconds()),
	})
}
