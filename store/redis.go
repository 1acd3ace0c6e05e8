package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/chainguild/cgp/event"
)

// RedisStore persists guild logs in redis under the same key scheme as the
// leveldb backing, namespaced by a configurable prefix:
//
//	<prefix>:guild:<hex>:seq:<10-digit zero-padded seq> -> JSON event
//	<prefix>:guild:<hex>:head                           -> decimal seq
//
// Log reads SCAN the seq keys and sort client-side; redis keyspaces are
// unordered.
type RedisStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redis and verifies the connection with a PING.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = "cgp"
	}
	return &RedisStore{client: client, prefix: prefix, ctx: ctx}, nil
}

func (r *RedisStore) seqKey(guildID string, seq int64) string {
	return fmt.Sprintf("%s:guild:%s:seq:%010d", r.prefix, guildID, seq)
}

func (r *RedisStore) headKey(guildID string) string {
	return fmt.Sprintf("%s:guild:%s:head", r.prefix, guildID)
}

func (r *RedisStore) Append(guildID string, ev *event.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(r.ctx, r.seqKey(guildID, ev.Seq), raw, 0)
	pipe.Set(r.ctx, r.headKey(guildID), strconv.FormatInt(ev.Seq, 10), 0)
	_, err = pipe.Exec(r.ctx)
	return err
}

func (r *RedisStore) GetLog(guildID string) ([]*event.Event, error) {
	match := fmt.Sprintf("%s:guild:%s:seq:*", r.prefix, guildID)
	iter := r.client.Scan(r.ctx, 0, match, 256).Iterator()

	var keys []string
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	// Zero-padded seq suffixes make lexicographic order equal seq order.
	sort.Strings(keys)

	out := make([]*event.Event, 0, len(keys))
	for _, key := range keys {
		raw, err := r.client.Get(r.ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ev event.Event
		if err = json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (r *RedisStore) GetLastEvent(guildID string) (*event.Event, error) {
	raw, err := r.client.Get(r.ctx, r.headKey(guildID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt head pointer for %s: %w", guildID, err)
	}

	data, err := r.client.Get(r.ctx, r.seqKey(guildID, seq)).Bytes()
	if err != nil {
		return nil, err
	}
	var ev event.Event
	if err = json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *RedisStore) GetGuildIDs() ([]string, error) {
	match := fmt.Sprintf("%s:guild:*:head", r.prefix)
	iter := r.client.Scan(r.ctx, 0, match, 256).Iterator()

	var ids []string
	for iter.Next(r.ctx) {
		key := iter.Val()
		key = strings.TrimPrefix(key, r.prefix+":guild:")
		ids = append(ids, strings.TrimSuffix(key, ":head"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) DeleteEvent(guildID string, seq int64) error {
	return r.client.Del(r.ctx, r.seqKey(guildID, seq)).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Clean deletes every key under the store's prefix. Used by the relay's
// --clean flag before startup.
func (r *RedisStore) Clean() error {
	iter := r.client.Scan(r.ctx, 0, r.prefix+":*", 256).Iterator()
	for iter.Next(r.ctx) {
		if err := r.client.Del(r.ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
