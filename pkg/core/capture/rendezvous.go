// Package capture pairs "the agent needs to see the student's work" with the
// device upload that answers it.
//
// A session has at most one pending request. The request's waiter resolves
// exactly once: with the delivered image, a timeout, or a cancellation.
// Whoever resolves first wins; every exit path unregisters the request.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/watch"
)

const tracerName = "github.com/hwbuddy/hwbuddy-live/pkg/core/capture"

// Transport selects how a pending request learns about the delivery.
type Transport string

const (
	// TransportDirect resolves the in-process waiter from DeliverCapture.
	TransportDirect Transport = "direct"
	// TransportStore resolves through document store change notifications.
	TransportStore Transport = "store"
)

const (
	DefaultTimeout    = 25 * time.Second
	DefaultMaxTimeout = 2 * time.Minute
	DefaultReason     = "To help with homework"
)

// Outcome labels, shared with metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeInFlight = "in_flight"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Observer receives one call per finished RequestCapture.
type Observer interface {
	ObserveCapture(outcome string, elapsed time.Duration)
}

type Config struct {
	Transport      Transport
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Delivery reports what DeliverCapture did with an image.
type Delivery struct {
	// Resolved is true when a pending in-process request was satisfied.
	Resolved bool
	// Ref is the store reference when the image was written to the store.
	Ref string
}

// Request is a pending capture.
type Request struct {
	SessionID   string
	Reason      string
	RequestedAt time.Time
	Deadline    time.Time

	once sync.Once
	done chan struct{}
	img  core.Image
	ref  string
	err  error
}

func (r *Request) resolve(img core.Image, err error) bool {
	return r.resolveRef(img, "", err)
}

// resolveRef records which stored image answered the request, so a delivery
// can tell whether the watcher resolved with its own write.
func (r *Request) resolveRef(img core.Image, ref string, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.img = img
		r.ref = ref
		r.err = err
		close(r.done)
		resolved = true
	})
	return resolved
}

func (r *Request) result() (core.Image, error) {
	<-r.done
	return r.img, r.err
}

type Option func(*Rendezvous)

func WithTrigger(t Trigger) Option {
	return func(r *Rendezvous) { r.trigger = t }
}

// WithStore sets the document store. In direct mode it is only used to
// acknowledge deliveries to polling devices; in store mode it carries the
// image and the resolution.
func WithStore(store docstore.Store, watcher *watch.Watcher) Option {
	return func(r *Rendezvous) {
		r.store = store
		r.watcher = watcher
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Rendezvous) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Rendezvous) { r.observer = o }
}

// Rendezvous owns the per-session pending capture table.
type Rendezvous struct {
	cfg      Config
	registry *session.Registry
	trigger  Trigger
	store    docstore.Store
	watcher  *watch.Watcher
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*Request
}

// New builds a rendezvous and attaches it to registry so that removing a
// session cancels its pending capture.
func New(registry *session.Registry, cfg Config, opts ...Option) (*Rendezvous, error) {
	if cfg.Transport == "" {
		cfg.Transport = TransportDirect
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	r := &Rendezvous{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		pending:  make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "capture", "transport", string(cfg.Transport))

	switch cfg.Transport {
	case TransportDirect:
	case TransportStore:
		if r.store == nil || r.watcher == nil {
			return nil, errors.New("capture: store transport requires a document store and watcher")
		}
	default:
		return nil, fmt.Errorf("capture: unknown transport %q", cfg.Transport)
	}

	registry.Attach("capture", session.Hooks{
		Release: func(_ context.Context, id string) { r.Cancel(id) },
		Busy:    r.Pending,
	})
	return r, nil
}

// RequestCapture triggers a capture for sessionID and blocks until the image
// arrives, timeout elapses, or ctx is done. A second request while one is
// pending fails immediately with core.ErrCaptureInFlight.
func (r *Rendezvous) RequestCapture(ctx context.Context, sessionID, reason string, timeout time.Duration) (core.Image, error) {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "capture.request", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("capture.transport", string(r.cfg.Transport)),
	))
	defer span.End()

	img, err := r.requestCapture(ctx, sessionID, reason, timeout)

	outcome := Outcome(err)
	span.SetAttributes(attribute.String("capture.outcome", outcome))
	if outcome == OutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.observer != nil {
		r.observer.ObserveCapture(outcome, r.now().Sub(start))
	}
	return img, err
}

func (r *Rendezvous) requestCapture(ctx context.Context, sessionID, reason string, timeout time.Duration) (core.Image, error) {
	sess, ok := r.registry.Get(sessionID)
	if !ok {
		return core.Image{}, core.ErrSessionNotFound
	}
	if reason == "" {
		reason = DefaultReason
	}
	timeout = r.clamp(timeout)

	now := r.now()
	req := &Request{
		SessionID:   sessionID,
		Reason:      reason,
		RequestedAt: now,
		Deadline:    now.Add(timeout),
		done:        make(chan struct{}),
	}
	err := sess.Guard(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, busy := r.pending[sessionID]; busy {
			return core.ErrCaptureInFlight
		}
		r.pending[sessionID] = req
		return nil
	})
	if err != nil {
		return core.Image{}, err
	}
	defer r.unregister(req)

	log := r.logger.With("session_id", sessionID)
	log.Info("capture requested", "reason", reason, "timeout", timeout)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var watchDone chan struct{}
	if r.cfg.Transport == TransportStore {
		baseline, err := r.baseline(waitCtx, sessionID)
		if err != nil {
			return core.Image{}, fmt.Errorf("read capture baseline: %w", err)
		}
		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			r.watchStore(waitCtx, req, baseline, timeout)
		}()
	}

	if r.trigger != nil {
		if err := r.trigger.TriggerCapture(waitCtx, sessionID, reason); err != nil {
			log.Warn("capture trigger failed", "error", err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-req.done:
	case <-timer.C:
		req.resolve(core.Image{}, core.Wrap(core.ErrCaptureTimeout,
			fmt.Sprintf("no picture received within %s", timeout)))
	case <-ctx.Done():
		req.resolve(core.Image{}, core.WrapCause(core.ErrCaptureCanceled, "capture request canceled", ctx.Err()))
	}

	img, err := req.result()
	if watchDone != nil {
		cancel()
		<-watchDone
	}
	switch {
	case err == nil:
		log.Info("capture delivered", "bytes", len(img.Data), "mime_type", img.MIMEType)
	case core.IsRecoverable(err):
		log.Info("capture ended without image", "error", err)
	default:
		log.Warn("capture failed", "error", err)
	}
	return img, err
}

// baseline is the image ref already in the document, so that an earlier
// delivery can never satisfy this request.
func (r *Rendezvous) baseline(ctx context.Context, sessionID string) (string, error) {
	doc, err := r.store.Ensure(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return doc.LastImageRef, nil
}

func (r *Rendezvous) watchStore(ctx context.Context, req *Request, baseline string, timeout time.Duration) {
	doc, err := r.watcher.WatchUntil(ctx, req.SessionID, func(d docstore.Document) bool {
		return d.Status == docstore.StatusDone && d.LastImageRef != "" && d.LastImageRef != baseline
	}, timeout)
	if err != nil {
		// The request's own timer and context report timeouts and
		// cancellation; only store failures resolve from here.
		if ctx.Err() != nil || errors.Is(err, watch.ErrTimeout) {
			return
		}
		if errors.Is(err, core.ErrSessionNotFound) {
			req.resolve(core.Image{}, core.Wrap(core.ErrCaptureCanceled, "session document removed"))
			return
		}
		req.resolve(core.Image{}, fmt.Errorf("watch session document: %w", err))
		return
	}
	img, err := r.store.GetImage(ctx, doc.LastImageRef)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		req.resolve(core.Image{}, fmt.Errorf("load captured image: %w", err))
		return
	}
	req.resolveRef(img, doc.LastImageRef, nil)
}

// DeliverCapture hands an uploaded image to the session. It is never an
// error for no request to be pending, nor for the session to be gone.
func (r *Rendezvous) DeliverCapture(ctx context.Context, sessionID string, img core.Image) (Delivery, error) {
	if img.ReceivedAt.IsZero() {
		img.ReceivedAt = r.now()
	}
	log := r.logger.With("session_id", sessionID)

	sess, ok := r.registry.Get(sessionID)
	if !ok {
		log.Debug("delivery for unknown session dropped")
		return Delivery{}, nil
	}
	sess.SetLastImage(img)

	var delivery Delivery
	if r.cfg.Transport == TransportStore {
		req := r.lookup(sessionID)
		if _, err := r.store.Ensure(ctx, sessionID); err != nil {
			return Delivery{}, fmt.Errorf("ensure session document: %w", err)
		}
		ref, err := r.store.PutImage(ctx, sessionID, img)
		if err != nil {
			return Delivery{}, fmt.Errorf("store captured image: %w", err)
		}
		log.Info("capture stored", "ref", ref)
		if req == nil {
			req = r.lookup(sessionID)
		}
		// The request's watcher sees this write too; whichever resolves
		// first wins, and a later upload cannot replace it.
		delivery = Delivery{Ref: ref, Resolved: r.settle(req, img, ref)}
	} else {
		r.acknowledge(ctx, sessionID, img)
		delivery.Resolved = r.settle(r.lookup(sessionID), img, "")
	}

	if !delivery.Resolved {
		log.Info("image received with no pending capture")
	}
	return delivery, nil
}

func (r *Rendezvous) lookup(sessionID string) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[sessionID]
}

// settle resolves req with img. It reports true when img answered req,
// including when the watcher got there first with the same stored ref.
func (r *Rendezvous) settle(req *Request, img core.Image, ref string) bool {
	if req == nil {
		return false
	}
	if req.resolveRef(img, ref, nil) {
		r.unregister(req)
		return true
	}
	<-req.done
	return ref != "" && req.err == nil && req.ref == ref
}

// acknowledge marks the command done for devices that poll the document.
func (r *Rendezvous) acknowledge(ctx context.Context, sessionID string, img core.Image) {
	if r.store == nil {
		return
	}
	_, err := r.store.Update(ctx, sessionID, docstore.Fields{
		docstore.FieldCommand:       docstore.CommandDone,
		docstore.FieldStatus:        docstore.StatusDone,
		docstore.FieldLastImageType: img.MIMEType,
		docstore.FieldLastImageAt:   docstore.Time(img.ReceivedAt),
	})
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		r.logger.Warn("acknowledge capture failed", "session_id", sessionID, "error", err)
	}
}

// Cancel resolves the pending request for sessionID with
// core.ErrCaptureCanceled and unregisters it.
func (r *Rendezvous) Cancel(sessionID string) bool {
	r.mu.Lock()
	req := r.pending[sessionID]
	if req != nil {
		delete(r.pending, sessionID)
	}
	r.mu.Unlock()
	if req == nil {
		return false
	}
	canceled := req.resolve(core.Image{}, core.Wrap(core.ErrCaptureCanceled, "session ended"))
	if canceled {
		r.logger.Info("capture canceled", "session_id", sessionID)
	}
	return canceled
}

func (r *Rendezvous) Pending(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[sessionID]
	return ok
}

func (r *Rendezvous) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Rendezvous) Transport() Transport {
	return r.cfg.Transport
}

func (r *Rendezvous) unregister(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[req.SessionID] == req {
		delete(r.pending, req.SessionID)
	}
}

func (r *Rendezvous) clamp(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}
	return timeout
}

// Outcome classifies a RequestCapture result for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, core.ErrCaptureTimeout):
		return OutcomeTimeout
	case errors.Is(err, core.ErrCaptureCanceled):
		return OutcomeCanceled
	case errors.Is(err, core.ErrCaptureInFlight):
		return OutcomeInFlight
	case errors.Is(err, core.ErrSessionNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}
