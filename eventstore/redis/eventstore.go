// Package redis implements eventcore.EventStore on Redis.
//
// Layout, under a configurable key prefix:
//
//	<p>:events            hash   global position -> stored event JSON
//	<p>:position          string last assigned global position
//	<p>:stream:<id>       zset   global positions scored by stream version
//	<p>:type:<type>       zset   global positions scored by themselves
//	<p>:corr:<id>         zset   global positions scored by themselves
//	<p>:snapshot:<id>     string snapshot JSON
//	<p>:lock:<id>         per-stream append lock
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v9"
	jsoniter "github.com/json-iterator/go"
	"github.com/terraskye/eventcore"
	"go.uber.org/zap"
)

var _ eventcore.EventStore = (*EventStore)(nil)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var now = func() time.Time { return time.Now().UTC() }

// Config is read from the "store.redis" section.
type Config struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// EventStore appends under a redislock held on every stream touched by the
// batch, then writes the batch in one MULTI/EXEC.
type EventStore struct {
	client *redis.Client
	owned  bool
	locker *redislock.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

type Option func(*EventStore)

func WithLogger(logger *zap.Logger) Option {
	return func(s *EventStore) { s.logger = logger }
}

// WithClient reuses an existing client. Close leaves it open.
func WithClient(c *redis.Client) Option {
	return func(s *EventStore) { s.client = c }
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config, opts ...Option) (*EventStore, error) {
	s := &EventStore{
		prefix: cfg.KeyPrefix,
		ttl:    cfg.LockTTL,
		logger: zap.NewNop(),
	}
	if s.prefix == "" {
		s.prefix = "eventcore"
	}
	if s.ttl <= 0 {
		s.ttl = 5 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
		s.owned = true
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
		}
		return nil, eventcore.WrapEventStoreError(err)
	}
	s.locker = redislock.New(s.client)
	return s, nil
}

func (s *EventStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *EventStore) Append(ctx context.Context, ev eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	return s.AppendBatch(ctx, []eventcore.Event{ev}, opts...)
}

func (s *EventStore) AppendBatch(ctx context.Context, evs []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	if len(evs) == 0 {
		return eventcore.AppendResult{}, nil
	}
	cfg := eventcore.ApplyAppendOptions(opts...)
	first := eventcore.ResolveStreamID(evs[0], cfg.StreamID)

	streams := make([]string, 0, 1)
	seen := map[string]bool{}
	for _, ev := range evs {
		stream := eventcore.ResolveStreamID(ev, cfg.StreamID)
		if !seen[stream] {
			seen[stream] = true
			streams = append(streams, stream)
		}
	}

	release, err := s.lock(ctx, streams)
	if err != nil {
		return eventcore.AppendResult{}, err
	}
	defer release()

	versions := make(map[string]uint64, len(streams))
	for _, stream := range streams {
		n, err := s.client.ZCard(ctx, s.key("stream", stream)).Result()
		if err != nil {
			return eventcore.AppendResult{}, eventcore.WrapEventStoreError(err)
		}
		versions[stream] = uint64(n)
	}
	if err := eventcore.CheckRevision(first, versions[first], cfg.Revision); err != nil {
		return eventcore.AppendResult{}, err
	}

	records := make([]eventcore.StoredEvent, 0, len(evs))
	for _, ev := range evs {
		stream := eventcore.ResolveStreamID(ev, cfg.StreamID)
		versions[stream]++
		se, err := eventcore.NewStoredEvent(stream, versions[stream], ev)
		if err != nil {
			return eventcore.AppendResult{}, err
		}
		records = append(records, se)
	}

	last, err := s.client.IncrBy(ctx, s.key("position"), int64(len(records))).Result()
	if err != nil {
		return eventcore.AppendResult{}, eventcore.WrapEventStoreError(err)
	}
	pos := uint64(last) - uint64(len(records))

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range records {
			pos++
			se := &records[i]
			se.GlobalPosition = pos
			se.RecordedAt = now()

			data, err := json.Marshal(se)
			if err != nil {
				return &eventcore.SerializationError{Op: "store", Type: se.EventType, Err: err}
			}
			member := strconv.FormatUint(pos, 10)
			pipe.HSet(ctx, s.key("events"), member, data)
			pipe.ZAdd(ctx, s.key("stream", se.StreamID), redis.Z{Score: float64(se.StreamVersion), Member: member})
			pipe.ZAdd(ctx, s.key("type", se.EventType), redis.Z{Score: float64(pos), Member: member})
			if cid := se.Metadata.CorrelationID; cid != "" {
				pipe.ZAdd(ctx, s.key("corr", cid), redis.Z{Score: float64(pos), Member: member})
			}
		}
		return nil
	})
	if err != nil {
		return eventcore.AppendResult{}, eventcore.WrapEventStoreError(err)
	}

	return eventcore.AppendResult{
		StreamID:            first,
		NextExpectedVersion: versions[first],
		GlobalPosition:      pos,
	}, nil
}

// lock obtains the append locks of streams in sorted order so two batches
// over the same streams cannot deadlock.
func (s *EventStore) lock(ctx context.Context, streams []string) (func(), error) {
	sorted := append([]string(nil), streams...)
	sort.Strings(sorted)

	held := make([]*redislock.Lock, 0, len(sorted))
	release := func() {
		for _, l := range held {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Warn("release append lock", zap.String("key", l.Key()), zap.Error(err))
			}
		}
	}

	retry := redislock.LimitRetry(redislock.LinearBackoff(10*time.Millisecond), int(s.ttl/(10*time.Millisecond)))
	for _, stream := range sorted {
		l, err := s.locker.Obtain(ctx, s.key("lock", stream), s.ttl, &redislock.Options{RetryStrategy: retry})
		if err != nil {
			release()
			return nil, eventcore.WrapEventStoreError(fmt.Errorf("lock stream %q: %w", stream, err))
		}
		held = append(held, l)
	}
	return release, nil
}

func (s *EventStore) load(ctx context.Context, members []string) ([]eventcore.StoredEvent, error) {
	out := make([]eventcore.StoredEvent, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.key("events"), members...).Result()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var se eventcore.StoredEvent
		if err := json.UnmarshalFromString(raw, &se); err != nil {
			return nil, &eventcore.SerializationError{Op: "load", Type: members[i], Err: err}
		}
		out = append(out, se)
	}
	return out, nil
}

func bound(v uint64, open string) string {
	if v == 0 {
		return open
	}
	return strconv.FormatUint(v, 10)
}

func (s *EventStore) GetEvents(ctx context.Context, streamID string, from, to uint64) ([]eventcore.StoredEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key("stream", streamID), &redis.ZRangeBy{
		Min: bound(from, "-inf"),
		Max: bound(to, "+inf"),
	}).Result()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return s.load(ctx, members)
}

func (s *EventStore) GetEventsByType(ctx context.Context, eventType string, limit, offset int) ([]eventcore.StoredEvent, error) {
	if offset < 0 {
		offset = 0
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: int64(offset), Count: -1}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.key("type", eventType), by).Result()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return s.load(ctx, members)
}

func (s *EventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventcore.StoredEvent, error) {
	members, err := s.client.ZRange(ctx, s.key("corr", correlationID), 0, -1).Result()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return s.load(ctx, members)
}

func (s *EventStore) GetLastEventVersion(ctx context.Context, streamID string) (uint64, error) {
	n, err := s.client.ZCard(ctx, s.key("stream", streamID)).Result()
	if err != nil {
		return 0, eventcore.WrapEventStoreError(err)
	}
	return uint64(n), nil
}

func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot eventcore.Snapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = now()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return &eventcore.SerializationError{Op: "snapshot", Type: snapshot.AggregateID, Err: err}
	}
	return eventcore.WrapEventStoreError(s.client.Set(ctx, s.key("snapshot", snapshot.AggregateID), data, 0).Err())
}

func (s *EventStore) GetSnapshot(ctx context.Context, aggregateID string) (*eventcore.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key("snapshot", aggregateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	var snap eventcore.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, &eventcore.SerializationError{Op: "snapshot", Type: aggregateID, Err: err}
	}
	return &snap, nil
}

// DeleteStream removes the stream's events from every index under the
// stream's append lock.
func (s *EventStore) DeleteStream(ctx context.Context, streamID string) error {
	release, err := s.lock(ctx, []string{streamID})
	if err != nil {
		return err
	}
	defer release()

	members, err := s.client.ZRange(ctx, s.key("stream", streamID), 0, -1).Result()
	if err != nil {
		return eventcore.WrapEventStoreError(err)
	}
	if len(members) == 0 {
		return fmt.Errorf("delete stream %q: %w", streamID, eventcore.ErrStreamNotFound)
	}
	events, err := s.load(ctx, members)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, se := range events {
			member := strconv.FormatUint(se.GlobalPosition, 10)
			pipe.ZRem(ctx, s.key("type", se.EventType), member)
			if cid := se.Metadata.CorrelationID; cid != "" {
				pipe.ZRem(ctx, s.key("corr", cid), member)
			}
		}
		pipe.HDel(ctx, s.key("events"), members...)
		pipe.Del(ctx, s.key("stream", streamID), s.key("snapshot", streamID))
		return nil
	})
	if err != nil {
		return eventcore.WrapEventStoreError(err)
	}
	s.logger.Info("stream deleted", zap.String("stream", streamID), zap.Int("events", len(members)))
	return nil
}

// Close closes the client when the store created it.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		if s.owned {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}
