package peerstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "offload"

// RedisStore keeps records in a sorted set scored by last-seen time plus one hash per peer.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", ErrDatabase, addr, err)
	}
	return NewRedisStoreFromClient(rdb, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":peers"
}

func (r *RedisStore) peerKey(key string) string {
	return r.prefix + ":peer:" + key
}

func (r *RedisStore) Upsert(ctx context.Context, record Record) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}

	key := record.Key()
	fields := map[string]interface{}{
		"node_id":   record.NodeID,
		"ip":        record.IP,
		"port":      record.Port,
		"last_seen": record.LastSeen.UnixMilli(),
	}
	if record.Load != nil {
		fields["load"] = strconv.FormatFloat(*record.Load, 'f', -1, 64)
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(record.LastSeen.UnixMilli()),
			Member: key,
		})
		pipe.HSetNX(ctx, r.peerKey(key), "registered_at", record.RegisteredAt.UnixMilli())
		pipe.HSet(ctx, r.peerKey(key), fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]Record, error) {
	keys, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		fields, err := r.rdb.HGetAll(ctx, r.peerKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, decodeRecord(fields))
	}

	sortRecords(records)
	return records, nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	removed, err := r.rdb.ZRem(ctx, r.indexKey(), key).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if err := r.rdb.Del(ctx, r.peerKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if removed == 0 {
		return ErrPeerNotFound
	}
	return nil
}

func (r *RedisStore) PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	maxScore := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	keys, err := r.rdb.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(keys))
		for i, key := range keys {
			members[i] = key
			pipe.Del(ctx, r.peerKey(key))
		}
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func decodeRecord(fields map[string]string) Record {
	record := Record{
		NodeID: fields["node_id"],
		IP:     fields["ip"],
	}
	record.Port, _ = strconv.Atoi(fields["port"])
	if raw, ok := fields["load"]; ok {
		if load, err := strconv.ParseFloat(raw, 64); err == nil {
			record.Load = &load
		}
	}
	if ms, err := strconv.ParseInt(fields["registered_at"], 10, 64); err == nil {
		record.RegisteredAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		record.LastSeen = time.UnixMilli(ms)
	}
	return record
}
