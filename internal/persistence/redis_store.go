package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Port backed by Redis.
// It uses a simple key structure:
//
//	<prefix>rec:<key>   => HASH {version, data, updated_at}
//	<prefix>log:<key>   => LIST of log entries
//	<prefix>idx:all     => SET of all record keys
//
// Conditional writes run as a Lua script so the version check and the
// write are atomic on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ Port    = (*RedisStore)(nil)
	_ Scanner = (*RedisStore)(nil)
	_ Deleter = (*RedisStore)(nil)
)

// Returns 1 if the write happened, 0 on a version mismatch.
var redisPutIfVersion = redis.NewScript(`
local key = KEYS[1]
local idx = KEYS[2]
local expected = tonumber(ARGV[1])
local data = ARGV[2]
local now = ARGV[3]
local recKey = ARGV[4]

local cur = redis.call('HGET', key, 'version')
if expected < 0 then
	if cur then
		return 0
	end
	redis.call('HSET', key, 'version', 0, 'data', data, 'updated_at', now)
	redis.call('SADD', idx, recKey)
	return 1
end
if not cur or tonumber(cur) ~= expected then
	return 0
end
redis.call('HSET', key, 'version', expected + 1, 'data', data, 'updated_at', now)
return 1
`)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stagewise:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stagewise:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyRecord(key string) string {
	return s.prefix + "rec:" + key
}

func (s *RedisStore) keyLog(key string) string {
	return s.prefix + "log:" + key
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.keyRecord(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("stagewise/redis: get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeRedisRecord(key, vals)
}

func decodeRedisRecord(key string, vals map[string]string) (Record, error) {
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("stagewise/redis: bad version for %s: %w", key, err)
	}
	nanos, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("stagewise/redis: bad timestamp for %s: %w", key, err)
	}
	return Record{
		Key:       key,
		Version:   version,
		Data:      []byte(vals["data"]),
		UpdatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}

func (s *RedisStore) PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	res, err := redisPutIfVersion.Run(ctx, s.client,
		[]string{s.keyRecord(key), s.keyAll()},
		expected, data, time.Now().UnixNano(), key,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("stagewise/redis: put %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Append(ctx context.Context, logKey string, entry []byte) error {
	if err := s.client.RPush(ctx, s.keyLog(logKey), entry).Err(); err != nil {
		return fmt.Errorf("stagewise/redis: append %s: %w", logKey, err)
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context, logKey string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.keyLog(logKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stagewise/redis: entries %s: %w", logKey, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	keys, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		return nil, fmt.Errorf("stagewise/redis: scan %s: %w", prefix, err)
	}
	sort.Strings(keys)

	var records []Record
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rec, err := s.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the record; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyRecord(key), s.keyLog(key))
	pipe.SRem(ctx, s.keyAll(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stagewise/redis: delete %s: %w", key, err)
	}
	return nil
}
