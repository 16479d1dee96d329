package events

import (
	"context"
	"sync"
)

// Cursor 持久化监听器已处理到的区块高度。
type Cursor interface {
	// Load 返回上次保存的区块；从未保存时 ok 为 false。
	Load(ctx context.Context) (block uint64, ok bool, err error)
	Store(ctx context.Context, block uint64) error
}

// MemoryCursor 仅在进程内保存游标。
type MemoryCursor struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

// NewMemoryCursor 创建内存游标。
func NewMemoryCursor() *MemoryCursor { return &MemoryCursor{} }

// Load 实现 Cursor。
func (c *MemoryCursor) Load(context.Context) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, c.set, nil
}

// Store 实现 Cursor。
func (c *MemoryCursor) Store(_ context.Context, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = block
	c.set = true
	return nil
}
