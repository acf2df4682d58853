package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/austindbirch/curation_outbox/internal/curation"
)

// enqueueScript writes the event body and its queue entry in one step.
// KEYS[1] queue zset, KEYS[2] events hash, ARGV[1] key, ARGV[2] body.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
return 1
`)

// ErrNotFsynced is returned when the server did not confirm a write reached its AOF
var ErrNotFsynced = errors.New("write not fsynced to the append only file")

// RedisStore keeps the outbox in a sorted set scored by created_at plus a hash
// of msgpack-encoded events.
//
// Writes are durable on return only with WithAOFSync, which issues
// WAITAOF 1 0 after every Enqueue and Remove. That needs Redis 7.2+ with
// appendonly yes. Without it durability is whatever appendfsync says, and the
// default everysec can lose the last second of writes.
type RedisStore struct {
	client     *redis.Client
	queueKey   string
	eventsKey  string
	aofTimeout time.Duration
}

type RedisOption func(*RedisStore)

// WithAOFSync makes every write wait up to timeout for the local AOF fsync
func WithAOFSync(timeout time.Duration) RedisOption {
	return func(s *RedisStore) { s.aofTimeout = timeout }
}

// NewRedisStore uses keys under prefix; the store owns client from here on
func NewRedisStore(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = "curation:outbox"
	}
	s := &RedisStore{
		client:    client,
		queueKey:  prefix + ":queue",
		eventsKey: prefix + ":events",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// redisWriter is the client or pinned connection a write goes through
type redisWriter interface {
	redis.Scripter
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Do(ctx context.Context, args ...any) *redis.Cmd
}

// writer pins one connection when syncing, since WAITAOF only covers writes
// made on the connection that sends it
func (s *RedisStore) writer() (redisWriter, func()) {
	if s.aofTimeout <= 0 {
		return s.client, func() {}
	}
	conn := s.client.Conn()
	return conn, func() { _ = conn.Close() }
}

// waitAOF blocks until the writes made on w are fsynced locally
func (s *RedisStore) waitAOF(ctx context.Context, w redisWriter) error {
	if s.aofTimeout <= 0 {
		return nil
	}
	acks, err := w.Do(ctx, "WAITAOF", 1, 0, s.aofTimeout.Milliseconds()).Int64Slice()
	if err != nil {
		return fmt.Errorf("waitaof: %w", err)
	}
	if len(acks) == 0 || acks[0] < 1 {
		return ErrNotFsynced
	}
	return nil
}

func marshalMsgpack(e curation.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.CreatedAt, err)
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(b []byte) (curation.Event, error) {
	var e curation.Event
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&e); err != nil {
		return curation.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, e curation.Event) error {
	body, err := marshalMsgpack(e)
	if err != nil {
		return err
	}
	w, release := s.writer()
	defer release()
	key := strconv.FormatInt(e.CreatedAt, 10)
	added, err := enqueueScript.Run(ctx, w, []string{s.queueKey, s.eventsKey}, key, body).Int()
	if err != nil {
		return fmt.Errorf("enqueue event %d: %w", e.CreatedAt, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, e.CreatedAt)
	}
	if err := s.waitAOF(ctx, w); err != nil {
		return fmt.Errorf("enqueue event %d: %w", e.CreatedAt, err)
	}
	return nil
}

func (s *RedisStore) Oldest(ctx context.Context) (curation.Event, error) {
	keys, err := s.client.ZRange(ctx, s.queueKey, 0, 0).Result()
	if err != nil {
		return curation.Event{}, fmt.Errorf("read oldest key: %w", err)
	}
	if len(keys) == 0 {
		return curation.Event{}, ErrEmpty
	}
	body, err := s.client.HGet(ctx, s.eventsKey, keys[0]).Bytes()
	if errors.Is(err, redis.Nil) {
		return curation.Event{}, fmt.Errorf("event %s queued without a body", keys[0])
	}
	if err != nil {
		return curation.Event{}, fmt.Errorf("read event %s: %w", keys[0], err)
	}
	return unmarshalMsgpack(body)
}

func (s *RedisStore) Remove(ctx context.Context, key int64) error {
	w, release := s.writer()
	defer release()
	member := strconv.FormatInt(key, 10)
	_, err := w.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.queueKey, member)
		pipe.HDel(ctx, s.eventsKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove event %d: %w", key, err)
	}
	if err := s.waitAOF(ctx, w); err != nil {
		return fmt.Errorf("remove event %d: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Size(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) LastKey(ctx context.Context) (int64, error) {
	keys, err := s.client.ZRevRange(ctx, s.queueKey, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("read last key: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	key, err := strconv.ParseInt(keys[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last key %q: %w", keys[0], err)
	}
	return key, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]curation.Event, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	keys, err := s.client.ZRange(ctx, s.queueKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	bodies, err := s.client.HMGet(ctx, s.eventsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]curation.Event, 0, len(bodies))
	for i, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("event %s queued without a body", keys[i])
		}
		e, err := unmarshalMsgpack([]byte(body))
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
