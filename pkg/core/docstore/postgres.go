package docstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

// ChangesChannel is the NOTIFY channel every document write is announced on.
const ChangesChannel = "hwbuddy_session_changes"

const listenRetryDelay = time.Second

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Postgres keeps each document as a JSONB field map in session_documents and
// image blobs in session_images. Writes are announced with NOTIFY on
// ChangesChannel; one LISTEN connection fans them out to subscribers, so
// several processes can share the store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[*pgSub]struct{}
	open atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenPostgres connects to url, applies migrations and starts listening for
// changes. Subscriptions made after it returns see every later write.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an already migrated pool. It holds one pool connection
// for LISTEN until Close.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Postgres{
		pool:   pool,
		logger: logger.With("component", "docstore_postgres"),
		now:    time.Now,
		subs:   make(map[string]map[*pgSub]struct{}),
		done:   make(chan struct{}),
	}
	conn, err := p.listenConn(ctx)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.listen(lctx, conn)
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Ensure(ctx context.Context, id string) (Document, error) {
	now := Time(p.now())
	raw, err := marshalFields(Fields{
		FieldStatus:    StatusIdle,
		FieldCreatedAt: now,
		FieldUpdatedAt: now,
	})
	if err != nil {
		return Document{}, err
	}
	var stored []byte
	err = p.pool.QueryRow(ctx,
		`INSERT INTO session_documents (id, fields) VALUES ($1, $2::jsonb)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING fields`, id, raw).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.Get(ctx, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("postgres insert failed: %w", err)
	}
	doc, err := decodeJSON(id, stored)
	if err != nil {
		return Document{}, err
	}
	p.publish(ctx, doc)
	return doc, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Document, error) {
	var stored []byte
	err := p.pool.QueryRow(ctx, `SELECT fields FROM session_documents WHERE id = $1`, id).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, core.ErrSessionNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("postgres select failed: %w", err)
	}
	return decodeJSON(id, stored)
}

func (p *Postgres) Update(ctx context.Context, id string, f Fields) (Document, error) {
	doc, err := p.update(ctx, p.pool, id, f)
	if err != nil {
		return Document{}, err
	}
	p.publish(ctx, doc)
	return doc, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) update(ctx context.Context, q querier, id string, f Fields) (Document, error) {
	merged := maps.Clone(f)
	if merged == nil {
		merged = Fields{}
	}
	now := p.now()
	merged[FieldUpdatedAt] = Time(now)
	raw, err := marshalFields(merged)
	if err != nil {
		return Document{}, err
	}
	var stored []byte
	err = q.QueryRow(ctx,
		`UPDATE session_documents SET fields = fields || $2::jsonb, updated_at = $3
		 WHERE id = $1
		 RETURNING fields`, id, raw, now).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, core.ErrSessionNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("postgres update failed: %w", err)
	}
	return decodeJSON(id, stored)
}

// Delete drops the document; its images go with it through the foreign key.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM session_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrSessionNotFound
	}
	p.publish(ctx, Document{ID: id, Deleted: true})
	return nil
}

func (p *Postgres) PutImage(ctx context.Context, id string, img core.Image) (string, error) {
	if img.ReceivedAt.IsZero() {
		img.ReceivedAt = p.now()
	}
	fields := imageFields(uuid.NewString(), img)
	ref := fields[FieldLastImageRef]

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	doc, err := p.update(ctx, tx, id, fields)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO session_images (ref, session_id, data, content_type, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ref, id, img.Data, fields[FieldLastImageType], img.ReceivedAt); err != nil {
		return "", fmt.Errorf("postgres insert image failed: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM session_images WHERE session_id = $1 AND seq NOT IN (
		     SELECT seq FROM session_images WHERE session_id = $1 ORDER BY seq DESC LIMIT $2)`,
		id, keptImagesPerSession); err != nil {
		return "", fmt.Errorf("postgres trim images failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres commit failed: %w", err)
	}
	p.publish(ctx, doc)
	return ref, nil
}

func (p *Postgres) GetImage(ctx context.Context, ref string) (core.Image, error) {
	var img core.Image
	err := p.pool.QueryRow(ctx,
		`SELECT data, content_type, received_at FROM session_images WHERE ref = $1`, ref).
		Scan(&img.Data, &img.MIMEType, &img.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Image{}, ErrImageNotFound
	}
	if err != nil {
		return core.Image{}, fmt.Errorf("postgres select image failed: %w", err)
	}
	return img, nil
}

// Subscribe registers a listener for id. The LISTEN connection is already
// open, so no write made after Subscribe returns can be missed.
func (p *Postgres) Subscribe(ctx context.Context, id string) (Subscription, error) {
	sub := &pgSub{
		store:  p,
		id:     id,
		ch:     make(chan Document, 1),
		closed: make(chan struct{}),
	}
	p.mu.Lock()
	if p.subs[id] == nil {
		p.subs[id] = make(map[*pgSub]struct{})
	}
	p.subs[id][sub] = struct{}{}
	p.open.Add(1)
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.closed:
		}
	}()
	return sub, nil
}

func (p *Postgres) Subscribers() int {
	return int(p.open.Load())
}

func (p *Postgres) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.mu.Lock()
	for id, subs := range p.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.pool.Close()
	return nil
}

// publish is best effort, like the Redis store.
func (p *Postgres) publish(ctx context.Context, doc Document) {
	payload, err := json.Marshal(doc)
	if err != nil {
		p.logger.Error("marshal change failed", "session_id", doc.ID, "error", err)
		return
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangesChannel, string(payload)); err != nil {
		p.logger.Warn("notify change failed", "session_id", doc.ID, "error", err)
	}
}

func (p *Postgres) listenConn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangesChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres listen: %w", err)
	}
	return conn, nil
}

// listen owns conn until ctx ends. A broken connection is replaced; writes
// made while it is down are not replayed.
func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(p.done)
	for {
		err := p.drain(ctx, conn)
		// Hijack so a LISTENing connection never returns to the pool.
		_ = conn.Hijack().Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("change listener lost its connection", "error", err)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			conn, err = p.listenConn(ctx)
			if err == nil {
				break
			}
			p.logger.Warn("change listener reconnect failed", "error", err)
		}
	}
}

func (p *Postgres) drain(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var doc Document
		if err := json.Unmarshal([]byte(n.Payload), &doc); err != nil {
			p.logger.Warn("malformed change payload", "channel", n.Channel, "error", err)
			continue
		}
		p.dispatch(doc)
	}
}

func (p *Postgres) dispatch(doc Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs[doc.ID] {
		offerLatest(sub.ch, doc)
		if doc.Deleted {
			sub.closeLocked()
		}
	}
	if doc.Deleted {
		delete(p.subs, doc.ID)
	}
}

type pgSub struct {
	store  *Postgres
	id     string
	ch     chan Document
	closed chan struct{}
	once   sync.Once
}

func (s *pgSub) Changes() <-chan Document { return s.ch }

func (s *pgSub) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if subs := s.store.subs[s.id]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.store.subs, s.id)
		}
	}
	s.closeLocked()
	return nil
}

func (s *pgSub) closeLocked() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
		s.store.open.Add(-1)
	})
}

func marshalFields(f Fields) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(id string, stored []byte) (Document, error) {
	var raw map[string]string
	if err := json.Unmarshal(stored, &raw); err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return decode(id, raw), nil
}
