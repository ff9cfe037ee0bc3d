package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/agent-tape/internal/model"
)

const (
	defaultRedisPrefix = "agent-tape"
	maxAppendRetries   = 64
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Client *redis.Client
	// Prefix namespaces every key. Defaults to "agent-tape".
	Prefix string
}

// RedisStore implements Store on Redis. Each tape keeps a sequence counter and
// a hash of JSON encoded entries keyed by id. Appends are linearized with
// WATCH on the sequence key, so several processes may share one tape.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	mu     sync.Mutex
}

// NewRedisStore returns a store backed by the given client.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: opts.Client, prefix: prefix}, nil
}

// OpenRedisStore connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", model.ErrConfiguration, err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, storageErr("ping redis", err)
	}
	return NewRedisStore(RedisOptions{Client: rdb})
}

func (s *RedisStore) seqKey(tape string) string     { return s.prefix + ":tape:" + tape + ":seq" }
func (s *RedisStore) entriesKey(tape string) string { return s.prefix + ":tape:" + tape + ":entries" }
func (s *RedisStore) tapesKey() string              { return s.prefix + ":tapes" }

func (s *RedisStore) Append(ctx context.Context, p AppendParams) ([]model.Entry, error) {
	drafts := slices.Clone(p.Entries)
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqKey := s.seqKey(p.Tape)
	var out []model.Entry
	txf := func(tx *redis.Tx) error {
		size, err := tx.Get(ctx, seqKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if p.IfSize != nil && *p.IfSize != size {
			return fmt.Errorf("%w: tape %q has %d entries, expected %d", model.ErrConflict, p.Tape, size, *p.IfSize)
		}
		if len(drafts) == 0 {
			out = []model.Entry{}
			return nil
		}

		now := time.Now().UTC()
		out = make([]model.Entry, 0, len(drafts))
		fields := make([]any, 0, 2*len(drafts))
		for i, d := range drafts {
			e := model.Entry{
				ID:        size + int64(i) + 1,
				Kind:      d.Kind,
				Payload:   d.Payload,
				Meta:      model.CloneMeta(d.Meta),
				CreatedAt: now,
			}
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fields = append(fields, strconv.FormatInt(e.ID, 10), string(b))
			out = append(out, e)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.entriesKey(p.Tape), fields...)
			pipe.Set(ctx, seqKey, size+int64(len(drafts)), 0)
			pipe.SAdd(ctx, s.tapesKey(), p.Tape)
			return nil
		})
		return err
	}

	for i := 0; i < maxAppendRetries; i++ {
		err := s.rdb.Watch(ctx, txf, seqKey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		return nil, storageErr("append entries", err)
	}
	return nil, storageErr("append entries", errors.New("too much contention on sequence key"))
}

func (s *RedisStore) Read(ctx context.Context, tape string, id int64) (model.Entry, error) {
	raw, err := s.rdb.HGet(ctx, s.entriesKey(tape), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Entry{}, fmt.Errorf("%w: entry %s/%d", model.ErrNotFound, tape, id)
	}
	if err != nil {
		return model.Entry{}, storageErr("read entry", err)
	}
	return decodeEntry(raw)
}

func (s *RedisStore) Recent(ctx context.Context, tape string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	size, err := s.Size(ctx, tape)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []model.Entry{}, nil
	}
	return s.Range(ctx, RangeParams{Tape: tape, Start: max(size-int64(limit)+1, 1), End: size})
}

func (s *RedisStore) Range(ctx context.Context, p RangeParams) ([]model.Entry, error) {
	if p.Start > p.End {
		return nil, fmt.Errorf("%w: start %d > end %d", model.ErrInvalidRange, p.Start, p.End)
	}
	size, err := s.Size(ctx, p.Tape)
	if err != nil {
		return nil, err
	}
	start, end, ok := clip(p, size)
	if !ok {
		return []model.Entry{}, nil
	}

	fields := make([]string, 0, end-start+1)
	for id := start; id <= end; id++ {
		fields = append(fields, strconv.FormatInt(id, 10))
	}
	vals, err := s.rdb.HMGet(ctx, s.entriesKey(p.Tape), fields...).Result()
	if err != nil {
		return nil, storageErr("range entries", err)
	}

	entries := make([]model.Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, storageErr("range entries", fmt.Errorf("entry %s missing", fields[i]))
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Size(ctx context.Context, tape string) (int64, error) {
	size, err := s.rdb.Get(ctx, s.seqKey(tape)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read size", err)
	}
	return size, nil
}

func (s *RedisStore) Tapes(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.tapesKey()).Result()
	if err != nil {
		return nil, storageErr("list tapes", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeEntry(raw string) (model.Entry, error) {
	var e model.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return model.Entry{}, storageErr("decode entry", err)
	}
	return e, nil
}
