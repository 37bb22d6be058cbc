package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis broker.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr" json:"addr"` // (default: localhost:6379)
	Password  string        `mapstructure:"password" yaml:"password" json:"-"`
	DB        int           `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"` // (default: tally)
	Lease     time.Duration `mapstructure:"lease" yaml:"lease" json:"lease"`                // consumer liveness lease (default: 30s)
}

// DefaultLease is how long a consumer's in-flight messages stay its own
// after its last heartbeat.
const DefaultLease = 30 * time.Second

// RedisBroker stores each queue as a Redis list. Every broker instance is a
// consumer with its own id: deliveries move atomically into
// <queue>:processing:<id>, and a heartbeat keeps <prefix>:consumer:<id>
// alive. Recover only reclaims processing lists whose consumer lease is
// gone, so a starting worker never steals messages a live one is handling.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	id     string
	lease  time.Duration

	touched atomic.Int64 // unix nanos of the last lease refresh
	stop    context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithLease sets the consumer lease. Non-positive values keep the default.
func WithLease(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.lease = d
		}
	}
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("addr", cfg.Addr)
	}
	return NewRedisFromClient(rdb, cfg.KeyPrefix, WithLease(cfg.Lease)), nil
}

// NewRedisFromClient wraps an existing client and starts the consumer
// heartbeat. Close stops it.
func NewRedisFromClient(rdb *redis.Client, prefix string, opts ...RedisOption) *RedisBroker {
	if prefix == "" {
		prefix = "tally"
	}
	b := &RedisBroker{rdb: rdb, prefix: prefix, id: uuid.NewString(), lease: DefaultLease, done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.stop = cancel
	go b.heartbeat(ctx)
	return b
}

// Client returns the underlying Redis client.
func (b *RedisBroker) Client() *redis.Client { return b.rdb }

// ConsumerID identifies this broker's processing lists.
func (b *RedisBroker) ConsumerID() string { return b.id }

func (b *RedisBroker) queueKey(name string) string { return b.prefix + ":queue:" + name }
func (b *RedisBroker) processingKey(name, id string) string {
	return b.queueKey(name) + ":processing:" + id
}
func (b *RedisBroker) leaseKey(id string) string { return b.prefix + ":consumer:" + id }

func (b *RedisBroker) heartbeat(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.lease / 3)
	defer ticker.Stop()
	for {
		if err := b.touch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Consumer heartbeat failed", "consumer", b.id, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) touch(ctx context.Context) error {
	if err := b.rdb.Set(ctx, b.leaseKey(b.id), time.Now().UTC().Format(time.RFC3339), b.lease).Err(); err != nil {
		return err
	}
	b.touched.Store(time.Now().UnixNano())
	return nil
}

// ensureLease refreshes the lease when the heartbeat has not done so
// recently, so a delivery never lands in a list without a live owner.
func (b *RedisBroker) ensureLease(ctx context.Context) error {
	if time.Since(time.Unix(0, b.touched.Load())) < b.lease/2 {
		return nil
	}
	return b.touch(ctx)
}

func (b *RedisBroker) Publish(ctx context.Context, queue string, body any) error {
	m, raw, err := newMessage(queue, body)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, b.queueKey(queue), raw).Err(); err != nil {
		return errorRegistry.NewWithCause(ErrPublish, err).WithDetail("queue", queue)
	}
	slog.Debug("Published message", "queue", queue, "id", m.ID)
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := b.ensureLease(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
	}
	raw, err := b.rdb.BRPopLPush(ctx, b.queueKey(queue), b.processingKey(queue, b.id), timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
	}
	d, err := decodeDelivery(queue, raw)
	if err != nil {
		// an undecodable envelope can never be processed
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, b.processingKey(queue, b.id), 1, raw)
		pipe.LPush(ctx, b.queueKey(DLQ(queue)), raw)
		_, _ = pipe.Exec(ctx)
		return nil, err
	}
	return d, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	n, err := b.rdb.LRem(ctx, b.processingKey(d.Queue, b.id), 1, d.raw).Result()
	if err != nil {
		return errorRegistry.NewWithCause(ErrAck, err).WithDetail("queue", d.Queue).WithDetail("id", d.ID)
	}
	if n == 0 {
		return errorRegistry.NewWithMessage(ErrAck, "delivery not in flight").WithDetail("id", d.ID)
	}
	return nil
}

func (b *RedisBroker) Reject(ctx context.Context, d *Delivery) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.processingKey(d.Queue, b.id), 1, d.raw)
	pipe.LPush(ctx, b.queueKey(DLQ(d.Queue)), d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return errorRegistry.NewWithCause(ErrReject, err).WithDetail("queue", d.Queue).WithDetail("id", d.ID)
	}
	slog.Warn("Message dead-lettered", "queue", d.Queue, "id", d.ID)
	return nil
}

func (b *RedisBroker) Replay(ctx context.Context, dlq, target string, count int) (int, error) {
	if err := checkReplay(dlq, target, count); err != nil {
		return 0, err
	}
	moved := 0
	for moved < count {
		err := b.rdb.RPopLPush(ctx, b.queueKey(dlq), b.queueKey(target)).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, errorRegistry.NewWithCause(ErrReplay, err).WithDetail("dlq", dlq).WithDetail("target", target)
		}
		moved++
	}
	slog.Info("Replayed dead-lettered messages", "dlq", dlq, "target", target, "count", moved)
	return moved, nil
}

// Recover moves the in-flight messages of consumers whose lease has
// expired back to queue. This broker's own deliveries and those of live
// consumers are left alone.
func (b *RedisBroker) Recover(ctx context.Context, queue string) (int, error) {
	prefix := b.processingKey(queue, "")
	var keys []string
	iter := b.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
	}

	moved := 0
	for _, key := range keys {
		owner := strings.TrimPrefix(key, prefix)
		if owner == b.id {
			continue
		}
		alive, err := b.rdb.Exists(ctx, b.leaseKey(owner)).Result()
		if err != nil {
			return moved, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
		}
		if alive > 0 {
			continue
		}
		n, err := b.reclaim(ctx, key, queue)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			slog.Warn("Recovered messages of a gone consumer", "queue", queue, "consumer", owner, "count", n)
		}
	}
	return moved, nil
}

func (b *RedisBroker) reclaim(ctx context.Context, key, queue string) (int, error) {
	moved := 0
	for {
		// newest first onto the consuming end keeps the oldest next in line
		err := b.rdb.LMove(ctx, key, b.queueKey(queue), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
		}
		moved++
	}
}

func (b *RedisBroker) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return 0, errorRegistry.NewWithCause(ErrConsume, err).WithDetail("queue", queue)
	}
	return n, nil
}

// Close stops the heartbeat and releases the lease, which makes messages
// left in this consumer's processing lists recoverable at once.
func (b *RedisBroker) Close() error {
	var err error
	b.once.Do(func() {
		b.stop()
		<-b.done
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if derr := b.rdb.Del(ctx, b.leaseKey(b.id)).Err(); derr != nil {
			slog.Debug("Releasing consumer lease failed", "consumer", b.id, "error", derr)
		}
		err = b.rdb.Close()
	})
	return err
}
