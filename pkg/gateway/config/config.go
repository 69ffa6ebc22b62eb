package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreRedis    StoreKind = "redis"
	StorePostgres StoreKind = "postgres"
)

type AgentKind string

const (
	AgentGemini   AgentKind = "gemini"
	AgentLoopback AgentKind = "loopback"
)

const defaultCORSOrigins = "http://localhost:3000,http://localhost:3001,http://127.0.0.1:3001"

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	LogFormat string
	LogLevel  string

	// Capture rendezvous.
	CaptureTransport         string
	CaptureTimeout           time.Duration
	CaptureMaxTimeout        time.Duration
	LegacyTakePictureTimeout time.Duration

	// SessionGrace is how long a session nobody holds survives before it is
	// removed. Zero keeps sessions until they are deleted.
	SessionGrace time.Duration

	// Image uploads.
	UploadMaxBytes     int64
	UploadAllowedTypes []string
	UploadMaxDimension int
	UploadMaxPixels    int
	UploadRPS          float64
	UploadBurst        int

	// Document store.
	Store         StoreKind
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration
	PostgresURL   string

	// Agent runtime.
	Agent          AgentKind
	GeminiAPIKey   string
	GeminiModel    string
	GeminiVoice    string
	Vertex         bool
	VertexProject  string
	VertexLocation string
	AudioInRate    int
	AudioOutRate   int

	// Live WebSocket.
	WSMaxMessageBytes     int64
	WSPingInterval        time.Duration
	WSWriteTimeout        time.Duration
	WSReadTimeout         time.Duration
	WSOutboundBuffer      int
	WSMaxAudioFPS         int
	WSMaxAudioBPS         int64
	WSInboundBurstSeconds int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	// Telemetry
	OTLPEndpoint string
	ServiceName  string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("HWBUDDY_ADDR", ":8000"),
		CORSAllowedOrigins:       make(map[string]struct{}),
		TrustProxyHeaders:        envBoolOr("HWBUDDY_TRUST_PROXY_HEADERS", false),
		LogFormat:                strings.ToLower(envOr("HWBUDDY_LOG_FORMAT", "text")),
		LogLevel:                 strings.ToLower(envOr("HWBUDDY_LOG_LEVEL", "info")),
		CaptureTransport:         strings.ToLower(envOr("HWBUDDY_CAPTURE_TRANSPORT", "direct")),
		CaptureTimeout:           envDurationOr("HWBUDDY_CAPTURE_TIMEOUT", 25*time.Second),
		CaptureMaxTimeout:        envDurationOr("HWBUDDY_CAPTURE_MAX_TIMEOUT", 2*time.Minute),
		LegacyTakePictureTimeout: envDurationOr("HWBUDDY_LEGACY_TAKE_PICTURE_TIMEOUT", 15*time.Second),
		UploadMaxBytes:           envInt64Or("HWBUDDY_UPLOAD_MAX_BYTES", 10<<20), // 10 MiB
		UploadAllowedTypes:       splitCSV(envOr("HWBUDDY_UPLOAD_ALLOWED_TYPES", "image/jpeg,image/jpg,image/png,image/webp")),
		SessionGrace:             envDurationOr("HWBUDDY_SESSION_GRACE", 2*time.Minute),
		UploadMaxDimension:       envIntOr("HWBUDDY_UPLOAD_MAX_DIMENSION", 0),
		UploadMaxPixels:          envIntOr("HWBUDDY_UPLOAD_MAX_PIXELS", 25_000_000),
		UploadRPS:                envFloat64Or("HWBUDDY_UPLOAD_RPS", 2.0),
		UploadBurst:              envIntOr("HWBUDDY_UPLOAD_BURST", 4),
		Store:                    StoreKind(strings.ToLower(envOr("HWBUDDY_STORE", string(StoreMemory)))),
		RedisAddr:                envOr("HWBUDDY_REDIS_ADDR", "localhost:6379"),
		RedisPassword:            os.Getenv("HWBUDDY_REDIS_PASSWORD"),
		RedisDB:                  envIntOr("HWBUDDY_REDIS_DB", 0),
		RedisPrefix:              envOr("HWBUDDY_REDIS_PREFIX", "hwbuddy"),
		RedisTTL:                 envDurationOr("HWBUDDY_REDIS_TTL", 24*time.Hour),
		PostgresURL:              os.Getenv("HWBUDDY_POSTGRES_URL"),
		Agent:                    AgentKind(strings.ToLower(envOr("HWBUDDY_AGENT", string(AgentGemini)))),
		GeminiAPIKey:             firstEnv("HWBUDDY_GEMINI_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY"),
		GeminiModel:              envOr("HWBUDDY_GEMINI_MODEL", ""),
		GeminiVoice:              envOr("HWBUDDY_GEMINI_VOICE", "Aoede"),
		Vertex:                   envBoolOr("HWBUDDY_VERTEX", false),
		VertexProject:            envOr("HWBUDDY_VERTEX_PROJECT", ""),
		VertexLocation:           envOr("HWBUDDY_VERTEX_LOCATION", "us-central1"),
		AudioInRate:              envIntOr("HWBUDDY_AUDIO_IN_RATE", 16000),
		AudioOutRate:             envIntOr("HWBUDDY_AUDIO_OUT_RATE", 24000),
		WSMaxMessageBytes:        envInt64Or("HWBUDDY_WS_MAX_MESSAGE_BYTES", 256<<10),
		WSPingInterval:           envDurationOr("HWBUDDY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:           envDurationOr("HWBUDDY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:            envDurationOr("HWBUDDY_WS_READ_TIMEOUT", 60*time.Second),
		WSOutboundBuffer:         envIntOr("HWBUDDY_WS_OUTBOUND_BUFFER", 64),
		WSMaxAudioFPS:            envIntOr("HWBUDDY_WS_MAX_AUDIO_FPS", 0),
		WSMaxAudioBPS:            envInt64Or("HWBUDDY_WS_MAX_AUDIO_BPS", 0),
		WSInboundBurstSeconds:    envIntOr("HWBUDDY_WS_INBOUND_BURST_SECONDS", 2),
		ReadHeaderTimeout:        envDurationOr("HWBUDDY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:              envDurationOr("HWBUDDY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("HWBUDDY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		OTLPEndpoint:             envOr("HWBUDDY_OTLP_ENDPOINT", ""),
		ServiceName:              envOr("HWBUDDY_SERVICE_NAME", "hwbuddy-live"),
	}

	for _, origin := range splitCSV(envOr("HWBUDDY_CORS_ORIGINS", defaultCORSOrigins)) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("HWBUDDY_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("HWBUDDY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.CaptureTransport {
	case "direct", "store":
	default:
		return Config{}, fmt.Errorf("HWBUDDY_CAPTURE_TRANSPORT must be one of direct|store")
	}
	if cfg.CaptureTimeout <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_CAPTURE_TIMEOUT must be > 0")
	}
	if cfg.CaptureMaxTimeout < cfg.CaptureTimeout {
		return Config{}, fmt.Errorf("HWBUDDY_CAPTURE_MAX_TIMEOUT must be >= HWBUDDY_CAPTURE_TIMEOUT")
	}
	if cfg.LegacyTakePictureTimeout <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_LEGACY_TAKE_PICTURE_TIMEOUT must be > 0")
	}
	if cfg.SessionGrace < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_SESSION_GRACE must be >= 0")
	}
	if cfg.UploadMaxBytes <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_MAX_BYTES must be > 0")
	}
	if len(cfg.UploadAllowedTypes) == 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_ALLOWED_TYPES must not be empty")
	}
	if cfg.UploadMaxDimension < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_MAX_DIMENSION must be >= 0")
	}
	if cfg.UploadMaxPixels <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_MAX_PIXELS must be > 0")
	}
	if cfg.UploadRPS < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_RPS must be >= 0")
	}
	if cfg.UploadBurst < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_UPLOAD_BURST must be >= 0")
	}

	switch cfg.Store {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return Config{}, fmt.Errorf("HWBUDDY_REDIS_ADDR must be set when HWBUDDY_STORE=redis")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.PostgresURL) == "" {
			return Config{}, fmt.Errorf("HWBUDDY_POSTGRES_URL must be set when HWBUDDY_STORE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("HWBUDDY_STORE must be one of memory|redis|postgres")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_REDIS_DB must be >= 0")
	}
	if cfg.RedisTTL < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_REDIS_TTL must be >= 0")
	}

	switch cfg.Agent {
	case AgentLoopback:
	case AgentGemini:
		if cfg.Vertex {
			if cfg.VertexProject == "" {
				return Config{}, fmt.Errorf("HWBUDDY_VERTEX_PROJECT must be set when HWBUDDY_VERTEX=true")
			}
		} else if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("HWBUDDY_GEMINI_API_KEY must be set when HWBUDDY_AGENT=gemini")
		}
	default:
		return Config{}, fmt.Errorf("HWBUDDY_AGENT must be one of gemini|loopback")
	}
	if cfg.AudioInRate <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_AUDIO_IN_RATE must be > 0")
	}
	if cfg.AudioOutRate <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_AUDIO_OUT_RATE must be > 0")
	}

	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSReadTimeout > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("HWBUDDY_WS_READ_TIMEOUT must be greater than HWBUDDY_WS_PING_INTERVAL")
	}
	if cfg.WSOutboundBuffer <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_OUTBOUND_BUFFER must be > 0")
	}
	if cfg.WSMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.WSMaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.WSMaxAudioFPS > 0 || cfg.WSMaxAudioBPS > 0) && cfg.WSInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("HWBUDDY_WS_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("HWBUDDY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return Config{}, fmt.Errorf("HWBUDDY_SERVICE_NAME must not be empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
