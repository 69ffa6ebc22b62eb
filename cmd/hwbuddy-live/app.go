package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent/gemini"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent/loopback"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/capture"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/upload"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/watch"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/config"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/lifecycle"
	livesession "github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/sessions"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/metrics"
	gatewayserver "github.com/hwbuddy/hwbuddy-live/pkg/gateway/server"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/telemetry"
)

// app is the wired process. close releases what New acquired, last first.
type app struct {
	server   *gatewayserver.Server
	registry *session.Registry
	closers  []func(context.Context) error
}

func (a *app) close(ctx context.Context) error {
	if a.registry != nil {
		// Cancels pending captures and closes live connections.
		a.registry.Close(ctx)
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	m := metrics.New(metrics.DefaultNamespace)
	readyChecks := map[string]func(context.Context) error{}

	store, err := newStore(ctx, cfg, logger, readyChecks)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	registry := session.NewRegistry(logger, session.WithIdleTimeout(cfg.SessionGrace))
	a.registry = registry
	watcher := watch.New(store, logger)

	// The live manager is built after the rendezvous so that the rendezvous
	// releases a session's capture before its connection.
	var live *sessions.Manager
	rdv, err := capture.New(registry, capture.Config{
		Transport:      capture.Transport(cfg.CaptureTransport),
		DefaultTimeout: cfg.CaptureTimeout,
		MaxTimeout:     cfg.CaptureMaxTimeout,
	},
		capture.WithStore(store, watcher),
		capture.WithTrigger(capture.Triggers{
			docstore.CommandTrigger{Store: store},
			capture.TriggerFunc(func(ctx context.Context, id, reason string) error {
				return live.TriggerCapture(ctx, id, reason)
			}),
		}),
		capture.WithObserver(m),
		capture.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	tools := agent.CaptureTool{Capturer: rdv, Timeout: cfg.CaptureTimeout, Logger: logger}
	runtime, err := newRuntime(ctx, cfg, tools, logger)
	if err != nil {
		return nil, err
	}

	live = sessions.New(registry, runtime, sessions.Options{
		Conn: livesession.Config{
			PingInterval:           cfg.WSPingInterval,
			WriteTimeout:           cfg.WSWriteTimeout,
			ReadTimeout:            cfg.WSReadTimeout,
			MaxMessageBytes:        cfg.WSMaxMessageBytes,
			OutboundQueueSize:      cfg.WSOutboundBuffer,
			MaxAudioFPS:            cfg.WSMaxAudioFPS,
			MaxAudioBytesPerSecond: cfg.WSMaxAudioBPS,
			InboundBurstSeconds:    cfg.WSInboundBurstSeconds,
		},
		Logger:   logger,
		Observer: m,
	})

	// Attached last: the document goes once capture and connection let go.
	docstore.AttachRelease(registry, store, logger)

	ingress := upload.NewIngress(upload.Config{
		MaxBytes:     cfg.UploadMaxBytes,
		AllowedTypes: cfg.UploadAllowedTypes,
		MaxDimension: cfg.UploadMaxDimension,
		MaxPixels:    cfg.UploadMaxPixels,
	}, registry, rdv, live, m, logger)

	m.GaugeFunc("", "sessions_active", "Sessions in the registry", registry.Len)
	m.GaugeFunc("", "captures_pending", "Capture requests waiting for a picture", rdv.PendingCount)
	m.GaugeFunc("", "store_watchers_active", "Open document watches", watcher.Active)
	m.GaugeFunc("", "store_subscriptions", "Open document store subscriptions", store.Subscribers)

	a.server = gatewayserver.New(cfg, gatewayserver.Deps{
		Registry:    registry,
		Store:       store,
		Capture:     rdv,
		Live:        live,
		Ingress:     ingress,
		Lifecycle:   lifecycle.New(),
		Metrics:     m,
		ReadyChecks: readyChecks,
	}, logger)
	return a, nil
}

func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger, readyChecks map[string]func(context.Context) error) (docstore.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		readyChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return docstore.NewRedis(client,
			docstore.WithPrefix(cfg.RedisPrefix),
			docstore.WithTTL(cfg.RedisTTL),
			docstore.WithLogger(logger),
		), nil
	case config.StorePostgres:
		store, err := docstore.OpenPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		readyChecks["postgres"] = store.Ping
		return store, nil
	default:
		return docstore.NewMemory(), nil
	}
}

func newRuntime(ctx context.Context, cfg config.Config, tools agent.Tools, logger *slog.Logger) (agent.Runtime, error) {
	switch cfg.Agent {
	case config.AgentLoopback:
		return loopback.New(tools, logger), nil
	default:
		rt, err := gemini.New(ctx, gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.GeminiModel,
			Voice:           cfg.GeminiVoice,
			Vertex:          cfg.Vertex,
			Project:         cfg.VertexProject,
			Location:        cfg.VertexLocation,
			InputSampleRate: cfg.AudioInRate,
		}, tools, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini runtime: %w", err)
		}
		return rt, nil
	}
}
