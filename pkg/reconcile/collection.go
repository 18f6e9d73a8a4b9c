package reconcile

// Collection 按 key 去重、保持插入顺序的实体集合
// 只通过 Upsert / Replace / Reset 修改，保证不会出现重复 key
type Collection[T any] struct {
	key   func(*T) string
	items []T
	pos   map[string]int
}

// NewCollection 创建集合，key 返回实体的唯一标识
func NewCollection[T any](key func(*T) string) *Collection[T] {
	return &Collection[T]{
		key: key,
		pos: make(map[string]int),
	}
}

// Upsert 按 key 更新或插入
// 已存在：在原记录上调用 apply(item, false)，未出现在 patch 中的字段保持不变
// 不存在：追加零值记录并调用 apply(item, true)
// 空 key 直接忽略，返回 false
func (c *Collection[T]) Upsert(key string, apply func(item *T, created bool)) bool {
	if key == "" {
		return false
	}

	if i, ok := c.pos[key]; ok {
		apply(&c.items[i], false)
		return true
	}

	var item T
	apply(&item, true)
	c.items = append(c.items, item)
	c.pos[key] = len(c.items) - 1
	return true
}

// Get 按 key 查找（返回副本）
func (c *Collection[T]) Get(key string) (T, bool) {
	i, ok := c.pos[key]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// Len 元素数量
func (c *Collection[T]) Len() int {
	return len(c.items)
}

// Items 返回插入顺序的副本，调用方修改不影响集合
func (c *Collection[T]) Items() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Replace 整体替换；重复 key 后者覆盖前者，位置保留首次出现的位置
func (c *Collection[T]) Replace(list []T) {
	c.Reset()
	for _, item := range list {
		k := c.key(&item)
		if k == "" {
			continue
		}
		if i, ok := c.pos[k]; ok {
			c.items[i] = item
			continue
		}
		c.items = append(c.items, item)
		c.pos[k] = len(c.items) - 1
	}
}

// Reset 清空集合
func (c *Collection[T]) Reset() {
	c.items = nil
	c.pos = make(map[string]int)
}
