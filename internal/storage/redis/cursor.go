package redis

import (
	"context"
	"errors"
	"fmt"

	"GigaCrew-Agent/internal/events"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultCursorKey 是区块游标默认使用的键名。
const DefaultCursorKey = "gigacrew_last_block"

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// Cursor 将事件监听器的区块游标保存在 Redis 中，重启后从上次位置继续。
type Cursor struct {
	client *goredis.Client
	key    string
}

var _ events.Cursor = (*Cursor)(nil)

// NewCursor 连接 Redis 并返回游标。
func NewCursor(ctx context.Context, cfg Config) (*Cursor, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewCursorWithClient(client, cfg.Key), nil
}

// NewCursorWithClient 复用已有的 Redis 客户端。
func NewCursorWithClient(client *goredis.Client, key string) *Cursor {
	if key == "" {
		key = DefaultCursorKey
	}
	return &Cursor{client: client, key: key}
}

// Load 实现 events.Cursor。
func (c *Cursor) Load(ctx context.Context) (uint64, bool, error) {
	block, err := c.client.Get(ctx, c.key).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("读取区块游标失败: %w", err)
	}
	return block, true, nil
}

// Store 实现 events.Cursor。
func (c *Cursor) Store(ctx context.Context, block uint64) error {
	if err := c.client.Set(ctx, c.key, block, 0).Err(); err != nil {
		return fmt.Errorf("写入区块游标失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *Cursor) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
