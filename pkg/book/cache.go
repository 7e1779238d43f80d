// 文件: pkg/book/cache.go
// 盘口快照缓存 (Redis)
//
// GET /book 的短 TTL 缓存。结算提交后失效，下一次请求重建。
// 缓存不可用时直接回源，不影响正确性。

package book

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 3 * time.Second

type Cache struct {
	client *redis.Client
}

// NewCache addr 为空返回 nil，调用方按未启用处理
func NewCache(addr string) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func snapshotKey(auctionID int64) string {
	// 使用字符串拼接代替 fmt.Sprintf
	return "book:snapshot:" + strconv.FormatInt(auctionID, 10)
}

// Get 读缓存的快照 JSON；未命中或出错返回 nil
func (c *Cache) Get(ctx context.Context, auctionID int64) []byte {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, snapshotKey(auctionID)).Bytes()
	if err != nil {
		return nil
	}
	return data
}

// Set 写快照 JSON，短 TTL
func (c *Cache) Set(ctx context.Context, auctionID int64, payload []byte) {
	if c == nil {
		return
	}
	c.client.Set(ctx, snapshotKey(auctionID), payload, snapshotTTL)
}

// Invalidate 结算提交后调用
func (c *Cache) Invalidate(ctx context.Context, auctionID int64) {
	if c == nil {
		return
	}
	c.client.Del(ctx, snapshotKey(auctionID))
}
