// Package series holds the bounded time series derived from the stream:
// OHLCV candles, FIFO trade/order caches and account balances.
package series

// Cache is a bounded FIFO. Appending beyond capacity evicts the oldest entry.
type Cache[T any] struct {
	items []T
	head  int
	size  int
}

// NewCache constructs a cache holding at most capacity entries (minimum 1).
func NewCache[T any](capacity int) *Cache[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[T]{items: make([]T, capacity)}
}

// Cap returns the configured maximum size.
func (c *Cache[T]) Cap() int {
	return len(c.items)
}

// Len returns the number of stored entries.
func (c *Cache[T]) Len() int {
	return c.size
}

// Append stores v, evicting the oldest entry when full.
func (c *Cache[T]) Append(v T) {
	tail := (c.head + c.size) % len(c.items)
	c.items[tail] = v
	if c.size < len(c.items) {
		c.size++
		return
	}
	c.head = (c.head + 1) % len(c.items)
}

// Items returns a copy of the stored entries, oldest first.
func (c *Cache[T]) Items() []T {
	out := make([]T, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.items[(c.head+i)%len(c.items)]
	}
	return out
}

// FilterSinceLimit keeps entries stamped at or after since (when since > 0)
// and then the newest limit entries (when limit > 0). items must be ordered
// oldest first; the input is not modified.
func FilterSinceLimit[T any](items []T, stamp func(T) int64, since int64, limit int) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if since > 0 && stamp(item) < since {
			continue
		}
		out = append(out, item)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// KeyedCache is a bounded FIFO whose entries are replaced in place when an
// entry with the same key is stored again. Orders use it: every state change
// overwrites the previous snapshot of that order.
type KeyedCache[T any] struct {
	capacity int
	key      func(T) string
	order    []string
	items    map[string]T
}

// NewKeyedCache constructs a cache of at most capacity entries keyed by key.
func NewKeyedCache[T any](capacity int, key func(T) string) *KeyedCache[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyedCache[T]{capacity: capacity, key: key, items: make(map[string]T, capacity)}
}

// Upsert stores v. A new key is appended, evicting the oldest entry when full.
func (c *KeyedCache[T]) Upsert(v T) {
	k := c.key(v)
	if _, ok := c.items[k]; ok {
		c.items[k] = v
		return
	}
	if len(c.order) >= c.capacity {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, k)
	c.items[k] = v
}

// Len returns the number of stored entries.
func (c *KeyedCache[T]) Len() int {
	return len(c.order)
}

// Items returns a copy of the entries in first-insertion order.
func (c *KeyedCache[T]) Items() []T {
	out := make([]T, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.items[k])
	}
	return out
}
