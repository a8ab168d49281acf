package state

// Map is a journaled map. Values are treated as immutable: replace them
// with Set rather than mutating a stored value in place.
type Map[K comparable, V any] struct {
	db *DB
	m  map[K]V
}

// NewMap creates a journaled map bound to db.
func NewMap[K comparable, V any](db *DB) *Map[K, V] {
	return &Map[K, V]{db: db, m: make(map[K]V)}
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.m[k]
	return v, ok
}

// Set stores v under k.
func (m *Map[K, V]) Set(k K, v V) {
	prev, existed := m.m[k]
	m.db.record(func() {
		if existed {
			m.m[k] = prev
		} else {
			delete(m.m, k)
		}
	})
	m.m[k] = v
}

// Delete removes k.
func (m *Map[K, V]) Delete(k K) {
	prev, existed := m.m[k]
	if !existed {
		return
	}
	m.db.record(func() {
		m.m[k] = prev
	})
	delete(m.m, k)
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.m)
}

// Range calls fn for every entry in unspecified order until fn returns false.
func (m *Map[K, V]) Range(fn func(k K, v V) bool) {
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// Value is a journaled single cell.
type Value[V any] struct {
	db *DB
	v  V
}

// NewValue creates a journaled cell holding initial.
func NewValue[V any](db *DB, initial V) *Value[V] {
	return &Value[V]{db: db, v: initial}
}

// Get returns the current value.
func (c *Value[V]) Get() V {
	return c.v
}

// Set replaces the current value.
func (c *Value[V]) Set(v V) {
	prev := c.v
	c.db.record(func() {
		c.v = prev
	})
	c.v = v
}

// List is a journaled append-only sequence.
type List[V any] struct {
	db    *DB
	items []V
}

// NewList creates an empty journaled list.
func NewList[V any](db *DB) *List[V] {
	return &List[V]{db: db}
}

// Append adds v to the end of the list.
func (l *List[V]) Append(v V) {
	n := len(l.items)
	l.db.record(func() {
		l.items = l.items[:n]
	})
	l.items = append(l.items, v)
}

// Len returns the number of items.
func (l *List[V]) Len() int {
	return len(l.items)
}

// At returns the item at index i.
func (l *List[V]) At(i int) V {
	return l.items[i]
}

// Values returns a copy of the items in insertion order.
func (l *List[V]) Values() []V {
	out := make([]V, len(l.items))
	copy(out, l.items)
	return out
}
