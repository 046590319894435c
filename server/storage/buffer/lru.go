// Package buffer 已提交页面镜像的缓存。
//
// 采用InnoDB式的中点插入LRU：新读入的页面放在old子链表头部，
// 在old区再次被访问才晋升到young区，一次性的全表扫描不会冲掉热点页。
package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// statistics
type stats struct {
	hitCount  uint64
	missCount uint64
}

func (st *stats) IncrHitCount() uint64 {
	return atomic.AddUint64(&st.hitCount, 1)
}

func (st *stats) IncrMissCount() uint64 {
	return atomic.AddUint64(&st.missCount, 1)
}

// HitCount returns hit count
func (st *stats) HitCount() uint64 {
	return atomic.LoadUint64(&st.hitCount)
}

// MissCount returns miss count
func (st *stats) MissCount() uint64 {
	return atomic.LoadUint64(&st.missCount)
}

// HitRate returns rate for cache hitting
func (st *stats) HitRate() float64 {
	hc, mc := st.HitCount(), st.MissCount()
	total := hc + mc
	if total == 0 {
		return 0.0
	}
	return float64(hc) / float64(total)
}

type lruItem struct {
	key   uint32
	value []byte
	young bool
}

// LRUCache 页号到页面镜像的缓存，容量以页为单位。容量为0时不缓存任何东西。
type LRUCache struct {
	mu sync.Mutex
	*stats

	size     int
	oldLimit int

	items     map[uint32]*list.Element
	youngList *list.List
	oldList   *list.List
}

// NewLRUCache oldPercent 是old子链表占总容量的百分比
func NewLRUCache(size int, oldPercent float64) *LRUCache {
	if size < 0 {
		size = 0
	}
	oldLimit := int(float64(size) * oldPercent / 100)
	if oldLimit < 1 && size > 0 {
		oldLimit = 1
	}
	return &LRUCache{
		stats:     &stats{},
		size:      size,
		oldLimit:  oldLimit,
		items:     make(map[uint32]*list.Element),
		youngList: list.New(),
		oldList:   list.New(),
	}
}

// Get 返回页面镜像的拷贝
func (c *LRUCache) Get(key uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[key]
	if !ok {
		c.IncrMissCount()
		return nil, false
	}
	c.IncrHitCount()
	it := ent.Value.(*lruItem)
	if it.young {
		c.youngList.MoveToFront(ent)
	} else {
		// old区再次命中，晋升到young区
		c.oldList.Remove(ent)
		it.young = true
		c.items[key] = c.youngList.PushFront(it)
		c.balance()
	}
	return clone(it.value), true
}

// Set 放入或替换页面镜像，已存在的条目保留其所在子链表
func (c *LRUCache) Set(key uint32, value []byte) {
	if c.size == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		ent.Value.(*lruItem).value = clone(value)
		return
	}
	it := &lruItem{key: key, value: clone(value)}
	c.items[key] = c.oldList.PushFront(it)
	c.balance()
	for len(c.items) > c.size {
		c.evict()
	}
}

// Remove 删除条目
func (c *LRUCache) Remove(key uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(ent)
	return true
}

// Purge 清空缓存
func (c *LRUCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[uint32]*list.Element)
	c.youngList.Init()
	c.oldList.Init()
}

// Has returns true if the key exists in the cache.
func (c *LRUCache) Has(key uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// balance young区超过配额时，把young尾部降级到old头部
func (c *LRUCache) balance() {
	youngLimit := c.size - c.oldLimit
	for c.youngList.Len() > youngLimit {
		tail := c.youngList.Back()
		it := tail.Value.(*lruItem)
		c.youngList.Remove(tail)
		it.young = false
		c.items[it.key] = c.oldList.PushFront(it)
	}
}

func (c *LRUCache) evict() {
	tail := c.oldList.Back()
	if tail == nil {
		tail = c.youngList.Back()
	}
	if tail != nil {
		c.removeElement(tail)
	}
}

func (c *LRUCache) removeElement(e *list.Element) {
	it := e.Value.(*lruItem)
	if it.young {
		c.youngList.Remove(e)
	} else {
		c.oldList.Remove(e)
	}
	delete(c.items, it.key)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
