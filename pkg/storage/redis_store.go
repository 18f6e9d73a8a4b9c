package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/livecaption/pkg/models"
)

const redisIndexKey = "livecaption:snapshots:index"

// RedisStore Redis 快照存储，快照带过期时间
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 快照存储
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// 格式: "livecaption:snapshot:{jobID}"
func redisKey(jobID string) string {
	return fmt.Sprintf("livecaption:snapshot:%s", jobID)
}

// Save 写入快照并更新索引（score 为保存时间）
func (rs *RedisStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, redisKey(snap.Job.ID), data, rs.ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(snap.SavedAt.UnixMilli()),
		Member: snap.Job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存到 Redis 失败: %w", err)
	}
	return nil
}

// Get 读取快照
func (rs *RedisStore) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	data, err := rs.client.Get(ctx, redisKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("反序列化快照失败: %w", err)
	}
	return snap, nil
}

// List 按保存时间倒序列出；已过期的快照顺便从索引中移除
func (rs *RedisStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := rs.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取快照索引失败: %w", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		snap, err := rs.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			rs.client.ZRem(ctx, redisIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(snap))
	}
	return out, nil
}

// Delete 删除快照和索引
func (rs *RedisStore) Delete(ctx context.Context, jobID string) error {
	deleted, err := rs.client.Del(ctx, redisKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("删除快照失败: %w", err)
	}
	rs.client.ZRem(ctx, redisIndexKey, jobID)
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// Close 关闭 Redis 连接
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
