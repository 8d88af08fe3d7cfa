package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "ckks:".
	Prefix string
}

// RedisStore keeps records as Redis strings and announces every write on a pub/sub channel
// so waiters in other processes block instead of polling.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ckks:"
	}
	return &RedisStore{client: client, prefix: prefix, limit: MaxRecordSize}
}

func (s *RedisStore) recordKey(name string) string { return s.prefix + "record:" + name }
func (s *RedisStore) seqKey(name string) string    { return s.prefix + "seq:" + name }
func (s *RedisStore) topic(name string) string     { return s.prefix + "notify:" + name }

func (s *RedisStore) Put(ctx context.Context, rec Record) (Record, error) {
	if err := validName(rec.Name); err != nil {
		return Record{}, err
	}

	if err := checkSize(rec.Name, framedSize(rec), s.limit); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", rec.Name, err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey(rec.Name)).Uint64()
	if err != nil {
		return Record{}, fmt.Errorf("next sequence for %s: %w", rec.Name, err)
	}
	rec.Seq = seq

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.Name), encode(rec), 0)
	pipe.Publish(ctx, s.topic(rec.Name), seq)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", rec.Name, err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (Record, error) {
	if err := validName(name); err != nil {
		return Record{}, err
	}

	key := s.recordKey(name)
	n, err := s.client.StrLen(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", name, err)
	}
	if err := checkSize(name, n, s.limit); err != nil {
		return Record{}, unreadable(err)
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get %s: %w", name, err)
	}
	if err := checkSize(name, int64(len(data)), s.limit); err != nil {
		return Record{}, unreadable(err)
	}
	return decode(name, data)
}

// deleteSeqScript deletes KEYS[1] when its header carries seq ARGV[1]. Records without a
// readable header are deleted too. Returns 1 on delete, 0 when superseded, -1 when absent.
var deleteSeqScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return -1
end
local seq = string.match(v, "^%S+ seq=(%d+) ")
if seq and seq ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// DeleteSeq compares and deletes in one server-side script.
func (s *RedisStore) DeleteSeq(ctx context.Context, name string, seq uint64) error {
	if err := validName(name); err != nil {
		return err
	}

	res, err := deleteSeqScript.Run(ctx, s.client, []string{s.recordKey(name)}, strconv.FormatUint(seq, 10)).Int()
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("%w: %s no longer has seq %d", ErrSuperseded, name, seq)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	n, err := s.client.Del(ctx, s.recordKey(name)).Result()
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}

	n, err := s.client.Exists(ctx, s.recordKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", name, err)
	}
	return n > 0, nil
}

// Purge deletes every record key under the prefix. Sequence counters are kept.
func (s *RedisStore) Purge(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"record:*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

// Subscribe implements Notifier. The subscription is confirmed before returning, so a Put
// issued after Subscribe returns is never missed.
func (s *RedisStore) Subscribe(ctx context.Context, names ...string) (<-chan struct{}, func(), error) {
	topics := make([]string, len(names))
	for i, name := range names {
		if err := validName(name); err != nil {
			return nil, nil, err
		}
		topics[i] = s.topic(name)
	}

	pubsub := s.client.Subscribe(ctx, topics...)
	for range topics {
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// Coalesce: one pending wake-up is enough, the waiter rereads the store.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
