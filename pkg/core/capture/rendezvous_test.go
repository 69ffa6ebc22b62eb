package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/watch"
)

type result struct {
	img core.Image
	err error
}

func newDirect(t *testing.T, opts ...Option) (*Rendezvous, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(nil)
	if _, _, err := reg.Create("session-1"); err != nil {
		t.Fatal(err)
	}
	r, err := New(reg, Config{Transport: TransportDirect, DefaultTimeout: 2 * time.Second}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, reg
}

func newStore(t *testing.T) (*Rendezvous, *session.Registry, *docstore.Memory, *watch.Watcher) {
	t.Helper()
	reg := session.NewRegistry(nil)
	if _, _, err := reg.Create("session-1"); err != nil {
		t.Fatal(err)
	}
	store := docstore.NewMemory()
	w := watch.New(store, nil)
	r, err := New(reg, Config{Transport: TransportStore, DefaultTimeout: 2 * time.Second},
		WithStore(store, w),
		WithTrigger(docstore.CommandTrigger{Store: store}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, reg, store, w
}

func startRequest(ctx context.Context, r *Rendezvous, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		img, err := r.RequestCapture(ctx, "session-1", "show me the worksheet", timeout)
		out <- result{img, err}
	}()
	return out
}

func waitPending(t *testing.T, r *Rendezvous, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !r.Pending(id) {
		if time.Now().After(deadline) {
			t.Fatalf("request for %s never became pending", id)
		}
		time.Sleep(time.Millisecond)
	}
}

func awaitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("RequestCapture did not return")
		return result{}
	}
}

func TestRequestCapture_UnknownSession(t *testing.T) {
	r, _ := newDirect(t)
	_, err := r.RequestCapture(context.Background(), "nobody-here", "", time.Second)
	if !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func TestRequestCapture_DeliveredImage(t *testing.T) {
	var triggered atomic.Int64
	r, reg := newDirect(t, WithTrigger(TriggerFunc(func(_ context.Context, id, reason string) error {
		if id != "session-1" || reason != "show me the worksheet" {
			t.Errorf("trigger got %q/%q", id, reason)
		}
		triggered.Add(1)
		return nil
	})))

	ch := startRequest(context.Background(), r, 0)
	waitPending(t, r, "session-1")

	d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("jpeg-bytes"), MIMEType: "image/jpeg"})
	if err != nil || !d.Resolved {
		t.Fatalf("DeliverCapture: %+v %v", d, err)
	}
	res := awaitResult(t, ch)
	if res.err != nil || string(res.img.Data) != "jpeg-bytes" {
		t.Fatalf("result=%+v", res)
	}
	if triggered.Load() != 1 {
		t.Fatalf("triggered=%d, want 1", triggered.Load())
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d after success", r.PendingCount())
	}
	s, _ := reg.Get("session-1")
	if img, ok := s.LastImage(); !ok || string(img.Data) != "jpeg-bytes" {
		t.Fatalf("last image not recorded")
	}
}

// Only one request may wait per session; the second is refused without
// disturbing the first.
func TestRequestCapture_SingleWaiter(t *testing.T) {
	r, _ := newDirect(t)
	first := startRequest(context.Background(), r, 0)
	waitPending(t, r, "session-1")

	start := time.Now()
	_, err := r.RequestCapture(context.Background(), "session-1", "again", 0)
	if !errors.Is(err, core.ErrCaptureInFlight) {
		t.Fatalf("err=%v, want ErrCaptureInFlight", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("second request blocked for %s", time.Since(start))
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending=%d, want 1", r.PendingCount())
	}

	if _, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if res := awaitResult(t, first); res.err != nil {
		t.Fatalf("first request failed: %v", res.err)
	}
}

func TestDeliverCapture_ExactlyOnce(t *testing.T) {
	r, _ := newDirect(t)
	ch := startRequest(context.Background(), r, 0)
	waitPending(t, r, "session-1")

	var resolved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte{byte(i)}})
			if err != nil {
				t.Errorf("DeliverCapture: %v", err)
			}
			if d.Resolved {
				resolved.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if resolved.Load() != 1 {
		t.Fatalf("resolved=%d, want 1", resolved.Load())
	}
	if res := awaitResult(t, ch); res.err != nil {
		t.Fatalf("err=%v", res.err)
	}
}

func TestRequestCapture_TimeoutThenLateDelivery(t *testing.T) {
	r, reg := newDirect(t)
	_, err := r.RequestCapture(context.Background(), "session-1", "", 30*time.Millisecond)
	if !errors.Is(err, core.ErrCaptureTimeout) {
		t.Fatalf("err=%v, want ErrCaptureTimeout", err)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d after timeout", r.PendingCount())
	}

	d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("late")})
	if err != nil || d.Resolved {
		t.Fatalf("late delivery: %+v %v", d, err)
	}
	s, _ := reg.Get("session-1")
	if img, ok := s.LastImage(); !ok || string(img.Data) != "late" {
		t.Fatalf("late image not kept as last image")
	}
}

func TestRequestCapture_ContextCanceled(t *testing.T) {
	r, _ := newDirect(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := startRequest(ctx, r, 0)
	waitPending(t, r, "session-1")
	cancel()

	res := awaitResult(t, ch)
	if !errors.Is(res.err, core.ErrCaptureCanceled) || !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err=%v", res.err)
	}
	if r.Pending("session-1") {
		t.Fatalf("request still pending after cancel")
	}
}

func TestRequestCapture_TriggerFailureIsNotFatal(t *testing.T) {
	r, _ := newDirect(t, WithTrigger(Triggers{
		TriggerFunc(func(context.Context, string, string) error { return errors.New("device offline") }),
	}))
	ch := startRequest(context.Background(), r, 0)
	waitPending(t, r, "session-1")
	if _, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if res := awaitResult(t, ch); res.err != nil {
		t.Fatalf("err=%v", res.err)
	}
}

// Removing a session cancels its capture before the record disappears.
func TestRegistryRemove_CancelsPendingCapture(t *testing.T) {
	r, reg := newDirect(t)
	ch := startRequest(context.Background(), r, 0)
	waitPending(t, r, "session-1")

	if err := reg.Remove(context.Background(), "session-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d after Remove", r.PendingCount())
	}
	res := awaitResult(t, ch)
	if !errors.Is(res.err, core.ErrCaptureCanceled) {
		t.Fatalf("err=%v, want ErrCaptureCanceled", res.err)
	}

	d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte{1}})
	if err != nil || d.Resolved {
		t.Fatalf("delivery after removal: %+v %v", d, err)
	}
}

func TestClampTimeout(t *testing.T) {
	reg := session.NewRegistry(nil)
	r, err := New(reg, Config{DefaultTimeout: 3 * time.Second, MaxTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		in, want time.Duration
	}{
		{0, 3 * time.Second},
		{-time.Second, 3 * time.Second},
		{5 * time.Second, 5 * time.Second},
		{time.Hour, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := r.clamp(tt.in); got != tt.want {
			t.Errorf("clamp(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNew_StoreTransportNeedsStore(t *testing.T) {
	if _, err := New(session.NewRegistry(nil), Config{Transport: TransportStore}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(session.NewRegistry(nil), Config{Transport: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}

func waitCommand(t *testing.T, store docstore.Store) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		doc, err := store.Get(context.Background(), "session-1")
		if err == nil && doc.Command == docstore.CommandTakePicture {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("take_picture command never written")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStoreTransport_DeliveredLocally(t *testing.T) {
	r, _, store, w := newStore(t)
	ch := startRequest(context.Background(), r, 0)
	waitCommand(t, store)

	d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("png"), MIMEType: "image/png"})
	if err != nil || d.Ref == "" || !d.Resolved {
		t.Fatalf("DeliverCapture: %+v %v", d, err)
	}
	res := awaitResult(t, ch)
	if res.err != nil || string(res.img.Data) != "png" || res.img.MIMEType != "image/png" {
		t.Fatalf("result=%+v", res)
	}
	if w.Active() != 0 {
		t.Fatalf("watcher active=%d", w.Active())
	}
	deadline := time.Now().Add(time.Second)
	for store.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("store subscribers=%d", store.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

// A device writing straight to the document, as another process would,
// resolves the request through the watcher.
func TestStoreTransport_DeliveredThroughDocument(t *testing.T) {
	r, _, store, w := newStore(t)
	ch := startRequest(context.Background(), r, 0)
	waitCommand(t, store)

	if _, err := store.PutImage(context.Background(), "session-1", core.Image{Data: []byte("jpg"), MIMEType: "image/jpeg"}); err != nil {
		t.Fatal(err)
	}
	res := awaitResult(t, ch)
	if res.err != nil || string(res.img.Data) != "jpg" || res.img.MIMEType != "image/jpeg" {
		t.Fatalf("result=%+v", res)
	}
	if w.Active() != 0 {
		t.Fatalf("watcher active=%d", w.Active())
	}
}

// Two uploads back to back: the first satisfies the request and the second
// only replaces the session's last image.
func TestStoreTransport_FirstDeliveryWins(t *testing.T) {
	r, reg, store, _ := newStore(t)
	ch := startRequest(context.Background(), r, 0)
	waitCommand(t, store)

	first, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("first")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("second")})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Resolved || second.Resolved {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if res := awaitResult(t, ch); res.err != nil || string(res.img.Data) != "first" {
		t.Fatalf("result=%q err=%v", res.img.Data, res.err)
	}

	sess, _ := reg.Get("session-1")
	if last, ok := sess.LastImage(); !ok || string(last.Data) != "second" {
		t.Fatalf("last image=%q", last.Data)
	}
}

func TestStoreTransport_ExactlyOnce(t *testing.T) {
	r, _, store, _ := newStore(t)
	ch := startRequest(context.Background(), r, 0)
	waitCommand(t, store)

	var resolved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte{byte(i)}})
			if err != nil {
				t.Errorf("DeliverCapture: %v", err)
			}
			if d.Resolved {
				resolved.Add(1)
			}
		}(i)
	}
	wg.Wait()
	res := awaitResult(t, ch)
	if res.err != nil {
		t.Fatalf("err=%v", res.err)
	}
	// Whether the watcher or a local delivery resolved the request, exactly
	// one upload owns the image the agent got.
	if resolved.Load() != 1 {
		t.Fatalf("resolved=%d, want 1", resolved.Load())
	}
}

// An image stored before the request must not satisfy it.
func TestStoreTransport_EarlierImageIsBaseline(t *testing.T) {
	r, _, _, _ := newStore(t)
	if _, err := r.DeliverCapture(context.Background(), "session-1", core.Image{Data: []byte("old")}); err != nil {
		t.Fatal(err)
	}
	_, err := r.RequestCapture(context.Background(), "session-1", "", 50*time.Millisecond)
	if !errors.Is(err, core.ErrCaptureTimeout) {
		t.Fatalf("err=%v, want timeout", err)
	}
}

// Many requests that time out or are canceled leave no subscription behind.
func TestStoreTransport_NoOrphanedSubscriptions(t *testing.T) {
	r, _, store, w := newStore(t)
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		if i%2 == 0 {
			cancel()
		}
		_, err := r.RequestCapture(ctx, "session-1", "", 10*time.Millisecond)
		cancel()
		if !core.IsRecoverable(err) {
			t.Fatalf("iteration %d: err=%v", i, err)
		}
	}
	if w.Active() != 0 {
		t.Fatalf("watcher active=%d", w.Active())
	}
	deadline := time.Now().Add(time.Second)
	for store.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("store subscribers=%d", store.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("pending=%d", r.PendingCount())
	}
}

func TestOutcome(t *testing.T) {
	tests := map[string]error{
		OutcomeSuccess:  nil,
		OutcomeTimeout:  core.Wrap(core.ErrCaptureTimeout, "x"),
		OutcomeCanceled: core.ErrCaptureCanceled,
		OutcomeInFlight: core.ErrCaptureInFlight,
		OutcomeNotFound: core.ErrSessionNotFound,
		OutcomeError:    errors.New("redis down"),
	}
	for want, err := range tests {
		if got := Outcome(err); got != want {
			t.Errorf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}
