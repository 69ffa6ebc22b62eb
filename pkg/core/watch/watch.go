// Package watch waits for a document to reach a state.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
)

// ErrTimeout matches core.ErrCaptureTimeout under errors.Is.
var ErrTimeout = core.Wrap(core.ErrCaptureTimeout, "timed out waiting for document change")

// Predicate reports whether doc is the state being waited for.
type Predicate func(doc docstore.Document) bool

// Watcher turns store subscriptions into one-shot waits.
type Watcher struct {
	store  docstore.Store
	logger *slog.Logger
	active atomic.Int64
}

func New(store docstore.Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, logger: logger.With("component", "watch")}
}

// WatchUntil subscribes to id, checks the current snapshot, then every change,
// and returns the first document that satisfies pred. The subscription is
// released before WatchUntil returns on every path. A timeout <= 0 waits
// until ctx is done.
func (w *Watcher) WatchUntil(ctx context.Context, id string, pred Predicate, timeout time.Duration) (docstore.Document, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sub, err := w.store.Subscribe(ctx, id)
	if err != nil {
		return docstore.Document{}, w.contextErr(parent, ctx, err)
	}
	w.active.Add(1)
	defer func() {
		if err := sub.Close(); err != nil {
			w.logger.Warn("unsubscribe failed", "session_id", id, "error", err)
		}
		w.active.Add(-1)
	}()

	doc, err := w.store.Get(ctx, id)
	if err != nil {
		return docstore.Document{}, w.contextErr(parent, ctx, err)
	}
	if pred(doc) {
		return doc, nil
	}

	for {
		select {
		case doc, ok := <-sub.Changes():
			if !ok {
				if ctx.Err() != nil {
					return docstore.Document{}, w.contextErr(parent, ctx, ctx.Err())
				}
				return docstore.Document{}, core.ErrSessionNotFound
			}
			if doc.Deleted {
				return docstore.Document{}, core.ErrSessionNotFound
			}
			if pred(doc) {
				return doc, nil
			}
		case <-ctx.Done():
			return docstore.Document{}, w.contextErr(parent, ctx, ctx.Err())
		}
	}
}

// Active reports watches currently holding a subscription.
func (w *Watcher) Active() int {
	return int(w.active.Load())
}

// contextErr maps the watch deadline to ErrTimeout; cancellation of the
// caller's context is returned unchanged.
func (w *Watcher) contextErr(parent, ctx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
