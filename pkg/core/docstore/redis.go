package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

const (
	defaultRedisPrefix = "hwbuddy"
	defaultRedisTTL    = 24 * time.Hour
)

// Redis keeps each document in a hash and announces every write on a
// per-document pub/sub channel:
//
//	<prefix>:session:<id>          hash, the document
//	<prefix>:session:<id>:changes  channel, JSON Document after each write
//	<prefix>:session:<id>:images   list of image refs written for the document
//	<prefix>:image:<ref>           hash {data, content_type, received_at}
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	open atomic.Int64
	now  func() time.Time
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default is "hwbuddy".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL sets the expiry applied to documents and image blobs on each write.
// Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultRedisPrefix,
		ttl:    defaultRedisTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "docstore_redis")
	return r
}

func (r *Redis) docKey(id string) string { return r.prefix + ":session:" + id }
func (r *Redis) channel(id string) string { return r.docKey(id) + ":changes" }
func (r *Redis) imagesKey(id string) string { return r.docKey(id) + ":images" }
func (r *Redis) imageKey(ref string) string { return r.prefix + ":image:" + ref }

func (r *Redis) Ensure(ctx context.Context, id string) (Document, error) {
	key := r.docKey(id)
	now := Time(r.now())
	created, err := r.client.HSetNX(ctx, key, FieldCreatedAt, now).Result()
	if err != nil {
		return Document{}, fmt.Errorf("redis hsetnx failed: %w", err)
	}
	if !created {
		return r.Get(ctx, id)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, FieldStatus, StatusIdle, FieldUpdatedAt, now)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	getCmd := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Document{}, fmt.Errorf("redis pipeline failed: %w", err)
	}
	doc := decode(id, getCmd.Val())
	r.publish(ctx, doc)
	return doc, nil
}

func (r *Redis) Get(ctx context.Context, id string) (Document, error) {
	raw, err := r.client.HGetAll(ctx, r.docKey(id)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(raw) == 0 {
		return Document{}, core.ErrSessionNotFound
	}
	return decode(id, raw), nil
}

func (r *Redis) Update(ctx context.Context, id string, f Fields) (Document, error) {
	key := r.docKey(id)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return Document{}, fmt.Errorf("redis exists failed: %w", err)
	}
	if n == 0 {
		return Document{}, core.ErrSessionNotFound
	}

	values := make(map[string]any, len(f)+1)
	for k, v := range f {
		values[k] = v
	}
	values[FieldUpdatedAt] = Time(r.now())

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	getCmd := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Document{}, fmt.Errorf("redis pipeline failed: %w", err)
	}
	doc := decode(id, getCmd.Val())
	r.publish(ctx, doc)
	return doc, nil
}

// Delete drops the document together with every image written for it.
func (r *Redis) Delete(ctx context.Context, id string) error {
	refs, err := r.client.LRange(ctx, r.imagesKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange failed: %w", err)
	}
	keys := make([]string, 0, len(refs)+1)
	for _, ref := range refs {
		keys = append(keys, r.imageKey(ref))
	}
	keys = append(keys, r.imagesKey(id))

	pipe := r.client.TxPipeline()
	docDel := pipe.Del(ctx, r.docKey(id))
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if docDel.Val() == 0 {
		return core.ErrSessionNotFound
	}
	r.publish(ctx, Document{ID: id, Deleted: true})
	return nil
}

func (r *Redis) PutImage(ctx context.Context, id string, img core.Image) (string, error) {
	n, err := r.client.Exists(ctx, r.docKey(id)).Result()
	if err != nil {
		return "", fmt.Errorf("redis exists failed: %w", err)
	}
	if n == 0 {
		return "", core.ErrSessionNotFound
	}
	if img.ReceivedAt.IsZero() {
		img.ReceivedAt = r.now()
	}
	fields := imageFields(uuid.NewString(), img)
	ref := fields[FieldLastImageRef]

	key := r.imageKey(ref)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"data", img.Data,
		"content_type", fields[FieldLastImageType],
		"received_at", fields[FieldLastImageAt],
	)
	pipe.RPush(ctx, r.imagesKey(id), ref)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
		pipe.Expire(ctx, r.imagesKey(id), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis pipeline failed: %w", err)
	}

	if _, err := r.Update(ctx, id, fields); err != nil {
		return "", err
	}
	return ref, nil
}

func (r *Redis) GetImage(ctx context.Context, ref string) (core.Image, error) {
	raw, err := r.client.HGetAll(ctx, r.imageKey(ref)).Result()
	if err != nil {
		return core.Image{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(raw) == 0 {
		return core.Image{}, ErrImageNotFound
	}
	return core.Image{
		Data:       []byte(raw["data"]),
		MIMEType:   raw["content_type"],
		ReceivedAt: parseTime(raw["received_at"]),
	}, nil
}

// Subscribe returns once Redis has confirmed the subscription, so no write
// made after Subscribe returns can be missed.
func (r *Redis) Subscribe(ctx context.Context, id string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	r.open.Add(1)

	sub := &redisSub{
		store: r,
		ps:    ps,
		out:   make(chan Document, 1),
		done:  make(chan struct{}),
	}
	go sub.run(ps.Channel())
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (r *Redis) Subscribers() int {
	return int(r.open.Load())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// publish is best effort: the write already happened and watchers re-read
// the snapshot when they subscribe.
func (r *Redis) publish(ctx context.Context, doc Document) {
	payload, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("marshal change failed", "session_id", doc.ID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel(doc.ID), payload).Err(); err != nil {
		r.logger.Warn("publish change failed", "session_id", doc.ID, "error", err)
	}
}

type redisSub struct {
	store *Redis
	ps    *redis.PubSub
	out   chan Document
	done  chan struct{}
	once  sync.Once
}

func (s *redisSub) Changes() <-chan Document { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.store.open.Add(-1)
	})
	return err
}

func (s *redisSub) run(msgs <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var doc Document
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				s.store.logger.Warn("malformed change payload", "channel", msg.Channel, "error", err)
				continue
			}
			offerLatest(s.out, doc)
			if doc.Deleted {
				return
			}
		}
	}
}
