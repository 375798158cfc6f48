package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"cdpmirror/internal/logger"
	"cdpmirror/pkg/domain"
)

// Store 可选的持久化二级缓存
type Store interface {
	LoadBody(ctx context.Context, key string) ([]byte, bool, error)
	SaveBody(ctx context.Context, key string, rt domain.ResourceType, body []byte) error
}

// Options 缓存配置
type Options struct {
	MaxEntries int // 0 表示不限制
	Store      Store
	Logger     logger.Logger
}

// Stats 命中统计
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache 按原始内容寻址的转换结果缓存，跨会话共享
type Cache struct {
	mu    sync.RWMutex
	m     map[string][]byte
	lru   *lru.Cache
	group singleflight.Group
	store Store
	log   logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New 创建缓存；MaxEntries > 0 时使用 LRU 淘汰
func New(opts Options) (*Cache, error) {
	c := &Cache{store: opts.Store, log: opts.Logger}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	if opts.MaxEntries > 0 {
		l, err := lru.New(opts.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("create lru: %w", err)
		}
		c.lru = l
	} else {
		c.m = make(map[string][]byte)
	}
	return c, nil
}

// KeyOf 计算缓存键：资源类型 + 转换版本 + 原始内容摘要。
// version 标识产生结果的转换配置，配置变化后旧结果不再命中
func KeyOf(body []byte, rt domain.ResourceType, version string) string {
	sum := sha256.Sum256(body)
	return string(rt) + ":" + version + ":" + hex.EncodeToString(sum[:])
}

// Get 读取转换结果，返回值只读
func (c *Cache) Get(key string) ([]byte, bool) {
	if c.lru != nil {
		v, ok := c.lru.Get(key)
		if !ok {
			return nil, false
		}
		return v.([]byte), true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

// Put 写入转换结果；已存在的条目不会被覆盖
func (c *Cache) Put(key string, body []byte) {
	cp := make([]byte, len(body))
	copy(cp, body)
	if c.lru != nil {
		c.lru.ContainsOrAdd(key, cp)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; !ok {
		c.m[key] = cp
	}
}

// Len 当前条目数
func (c *Cache) Len() int {
	if c.lru != nil {
		return c.lru.Len()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Stats 返回统计快照
func (c *Cache) Stats() Stats {
	return Stats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Do 命中则直接返回；未命中时同一键只计算一次，并发调用者共享结果。
// fn 返回错误时不写入缓存，错误原样返回给所有等待者
func (c *Cache) Do(ctx context.Context, key string, rt domain.ResourceType, fn func() ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(key); ok {
		c.hits.Add(1)
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		if v, ok := c.loadFromStore(ctx, key); ok {
			c.Put(key, v)
			return v, nil
		}
		out, err := fn()
		if err != nil {
			return nil, err
		}
		c.Put(key, out)
		c.saveToStore(ctx, key, rt, out)
		return out, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		c.misses.Add(1)
		return res.Val.([]byte), false, nil
	}
}

func (c *Cache) loadFromStore(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	v, ok, err := c.store.LoadBody(ctx, key)
	if err != nil {
		c.log.Err(err, "读取持久化缓存失败", "key", key)
		return nil, false
	}
	return v, ok
}

func (c *Cache) saveToStore(ctx context.Context, key string, rt domain.ResourceType, body []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveBody(ctx, key, rt, body); err != nil {
		c.log.Err(err, "写入持久化缓存失败", "key", key)
	}
}
