package installcache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// Redis 使用一个 hash 保存 owner → 安装 ID，多个实例共享同一份缓存。
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis 创建 Redis 缓存实例。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "openmcp-gate:installations"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Redis{client: client, key: key}, nil
}

// Get 读取 owner 对应的安装 ID。
func (r *Redis) Get(ctx context.Context, owner string) (string, bool, error) {
	id, err := r.client.HGet(ctx, r.key, normalizeOwner(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取安装 ID 失败: %w", err)
	}
	return id, true, nil
}

// Put 写入安装 ID。
func (r *Redis) Put(ctx context.Context, owner, installationID string) error {
	if strings.TrimSpace(installationID) == "" {
		return nil
	}
	if err := r.client.HSet(ctx, r.key, normalizeOwner(owner), installationID).Err(); err != nil {
		return fmt.Errorf("写入安装 ID 失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)
