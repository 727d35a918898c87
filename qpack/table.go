package qpack

import (
	"errors"
	"sync"
)

// ErrDynamicTableFull is returned when an insertion is larger than the
// table's capacity even after evicting every existing entry.
var ErrDynamicTableFull = errors.New("qpack: entry larger than dynamic table capacity")

type dynamicEntry struct {
	Name, Value string
	size        int
}

func entrySize(name, value string) int { return len(name) + len(value) + 32 }

// dynamicTable is the per-connection QPACK dynamic table (RFC 9204
// §3.2.2): a FIFO of name/value pairs bounded by SETTINGS_QPACK_MAX_
// TABLE_CAPACITY, addressed by an ever-increasing absolute index so
// encoder and decoder agree on entry identity even as old entries are
// evicted.
// dynamicTable guards its own state with a mutex (rather than relying on
// a caller-held lock) because the decoder applies encoder-stream
// instructions from a goroutine that blocks waiting for more stream
// data between instructions; that blocking read must not be done while
// holding a lock another goroutine (a concurrent DecodeFieldSection)
// needs just to check the current insert count.
type dynamicTable struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries     []dynamicEntry // oldest first
	firstAbsIdx uint64         // absolute index of entries[0]
	insertCount uint64
	capacity    int
	size        int
}

func newDynamicTable(capacity int) *dynamicTable {
	t := &dynamicTable{capacity: capacity}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *dynamicTable) SetCapacity(c int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = c
	t.evictTo(t.capacity)
}

func (t *dynamicTable) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

func (t *dynamicTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *dynamicTable) InsertCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertCount
}

// WaitForInsertCount blocks until the table has at least n insertions.
func (t *dynamicTable) WaitForInsertCount(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.insertCount < n {
		t.cond.Wait()
	}
}

func (t *dynamicTable) evictTo(maxSize int) {
	for t.size > maxSize && len(t.entries) > 0 {
		t.size -= t.entries[0].size
		t.entries = t.entries[1:]
		t.firstAbsIdx++
	}
}

// Insert adds a new entry, evicting the oldest ones as needed to respect
// capacity, and returns its absolute index.
func (t *dynamicTable) Insert(name, value string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sz := entrySize(name, value)
	if sz > t.capacity {
		return 0, ErrDynamicTableFull
	}
	t.evictTo(t.capacity - sz)
	t.entries = append(t.entries, dynamicEntry{Name: name, Value: value, size: sz})
	t.size += sz
	idx := t.firstAbsIdx + uint64(len(t.entries)) - 1
	t.insertCount++
	t.cond.Broadcast()
	return idx, nil
}

// ByAbsoluteIndex returns the entry at absolute index idx, if still live.
func (t *dynamicTable) ByAbsoluteIndex(idx uint64) (dynamicEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < t.firstAbsIdx || len(t.entries) == 0 {
		return dynamicEntry{}, false
	}
	rel := idx - t.firstAbsIdx
	if rel >= uint64(len(t.entries)) {
		return dynamicEntry{}, false
	}
	return t.entries[rel], true
}

// Lookup searches live entries (most recently inserted first, since
// that's the common case for repeated headers) for an exact or
// name-only match.
func (t *dynamicTable) Lookup(name, value string) (idx uint64, nameOnly bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nameIdx := uint64(0)
	foundName := false
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		abs := t.firstAbsIdx + uint64(i)
		if e.Name != name {
			continue
		}
		if e.Value == value {
			return abs, false, true
		}
		if !foundName {
			nameIdx = abs
			foundName = true
		}
	}
	if foundName {
		return nameIdx, true, true
	}
	return 0, false, false
}
