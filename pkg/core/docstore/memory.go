package docstore

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

// keptImagesPerSession bounds the blobs Memory retains for one document.
const keptImagesPerSession = 4

// Memory is a single-process Store.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]Fields
	images  map[string]core.Image
	history map[string][]string
	subs    map[string]map[*memorySub]struct{}

	open atomic.Int64
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]Fields),
		images:  make(map[string]core.Image),
		history: make(map[string][]string),
		subs:    make(map[string]map[*memorySub]struct{}),
		now:     time.Now,
	}
}

func (m *Memory) Ensure(_ context.Context, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if raw, ok := m.docs[id]; ok {
		return decode(id, raw), nil
	}
	now := Time(m.now())
	raw := Fields{
		FieldStatus:    StatusIdle,
		FieldCreatedAt: now,
		FieldUpdatedAt: now,
	}
	m.docs[id] = raw
	doc := decode(id, raw)
	m.publishLocked(id, doc)
	return doc, nil
}

func (m *Memory) Get(_ context.Context, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[id]
	if !ok {
		return Document{}, core.ErrSessionNotFound
	}
	return decode(id, raw), nil
}

func (m *Memory) Update(_ context.Context, id string, f Fields) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, f)
}

func (m *Memory) updateLocked(id string, f Fields) (Document, error) {
	raw, ok := m.docs[id]
	if !ok {
		return Document{}, core.ErrSessionNotFound
	}
	maps.Copy(raw, f)
	raw[FieldUpdatedAt] = Time(m.now())
	doc := decode(id, raw)
	m.publishLocked(id, doc)
	return doc, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return core.ErrSessionNotFound
	}
	delete(m.docs, id)
	for _, ref := range m.history[id] {
		delete(m.images, ref)
	}
	delete(m.history, id)
	m.publishLocked(id, Document{ID: id, Deleted: true})
	for sub := range m.subs[id] {
		sub.closeLocked()
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) PutImage(_ context.Context, id string, img core.Image) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return "", core.ErrSessionNotFound
	}
	if img.ReceivedAt.IsZero() {
		img.ReceivedAt = m.now()
	}
	fields := imageFields(uuid.NewString(), img)
	ref := fields[FieldLastImageRef]
	img.MIMEType = fields[FieldLastImageType]
	m.images[ref] = img

	refs := append(m.history[id], ref)
	if len(refs) > keptImagesPerSession {
		for _, old := range refs[:len(refs)-keptImagesPerSession] {
			delete(m.images, old)
		}
		refs = refs[len(refs)-keptImagesPerSession:]
	}
	m.history[id] = refs

	if _, err := m.updateLocked(id, fields); err != nil {
		return "", err
	}
	return ref, nil
}

func (m *Memory) GetImage(_ context.Context, ref string) (core.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[ref]
	if !ok {
		return core.Image{}, ErrImageNotFound
	}
	return img, nil
}

// Subscribe registers a listener for id. The subscription is closed when ctx
// is done or Close is called, whichever happens first.
func (m *Memory) Subscribe(ctx context.Context, id string) (Subscription, error) {
	sub := &memorySub{
		m:      m,
		id:     id,
		ch:     make(chan Document, 1),
		closed: make(chan struct{}),
	}
	m.mu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[*memorySub]struct{})
	}
	m.subs[id][sub] = struct{}{}
	m.open.Add(1)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.closed:
		}
	}()
	return sub, nil
}

func (m *Memory) Subscribers() int {
	return int(m.open.Load())
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(m.subs, id)
	}
	return nil
}

func (m *Memory) publishLocked(id string, doc Document) {
	for sub := range m.subs[id] {
		sub.offer(doc)
	}
}

type memorySub struct {
	m      *Memory
	id     string
	ch     chan Document
	closed chan struct{}
	once   sync.Once
}

func (s *memorySub) Changes() <-chan Document { return s.ch }

func (s *memorySub) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if subs := s.m.subs[s.id]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.m.subs, s.id)
		}
	}
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
		s.m.open.Add(-1)
	})
}

func (s *memorySub) offer(doc Document) {
	offerLatest(s.ch, doc)
}

// offerLatest keeps only the newest snapshot when the reader falls behind.
func offerLatest(ch chan Document, doc Document) {
	select {
	case ch <- doc:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- doc:
	default:
	}
}
