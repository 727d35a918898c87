package qpack

import "sync"

// insertAfterUses is the repeat-count threshold before the encoder
// promotes a (name, value) pair into the dynamic table; promoting on
// first sight would waste capacity on one-off headers.
const insertAfterUses = 2

const (
	lineIndexedStatic = iota
	lineIndexedDynamic
	lineLiteralNameRefStatic
	lineLiteralNameRefDynamic
	lineLiteralLiteral
)

type fieldLine struct {
	kind  int
	idx   uint64
	name  string
	value string
}

// Encoder turns header lists into QPACK field sections, maintaining its
// own view of the dynamic table and the encoder-stream instructions
// needed to keep the peer's decoder table in sync.
type Encoder struct {
	mu       sync.Mutex
	dynamic  *dynamicTable
	usage    map[string]int
	encSeen  []byte // pending encoder-stream instruction bytes, drained by PendingInstructions
	blockedStreamsLimit int
}

// NewEncoder creates an Encoder whose dynamic table starts at zero
// capacity; call SetCapacity once the peer's SETTINGS_QPACK_MAX_TABLE_
// CAPACITY is known.
func NewEncoder() *Encoder {
	return &Encoder{dynamic: newDynamicTable(0), usage: make(map[string]int)}
}

// SetCapacity bounds the dynamic table to at most maxCapacity, per the
// peer's SETTINGS_QPACK_MAX_TABLE_CAPACITY, and announces the new
// capacity on the encoder stream.
func (e *Encoder) SetCapacity(maxCapacity int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dynamic.SetCapacity(maxCapacity)
	e.encSeen = appendSetCapacity(e.encSeen, maxCapacity)
}

// SetBlockedStreamsLimit records the peer's SETTINGS_QPACK_BLOCKED_
// STREAMS. The limit is not enforced: EncodeFieldSection references a
// dynamic entry in the same section that inserts it, before the peer has
// acknowledged the insertion, so the peer's decoder may block on any
// number of streams regardless of this value.
func (e *Encoder) SetBlockedStreamsLimit(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockedStreamsLimit = n
}

// PendingInstructions returns and clears the encoder-stream bytes
// accumulated since the last call, ready to write to the QPACK encoder
// unidirectional stream.
func (e *Encoder) PendingInstructions() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.encSeen
	e.encSeen = nil
	return b
}

// EncodeFieldSection compresses fields into one field section. Dynamic
// table insertions triggered along the way are appended to the pending
// encoder-stream instructions (drain with PendingInstructions).
func (e *Encoder) EncodeFieldSection(fields []HeaderField) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	lines := make([]fieldLine, 0, len(fields))
	for _, f := range fields {
		if sIdx, nameOnly, ok := staticLookup(f.Name, f.Value); ok && !nameOnly {
			lines = append(lines, fieldLine{kind: lineIndexedStatic, idx: uint64(sIdx)})
			continue
		}
		if dIdx, nameOnly, ok := e.dynamic.Lookup(f.Name, f.Value); ok && !nameOnly {
			lines = append(lines, fieldLine{kind: lineIndexedDynamic, idx: dIdx})
			continue
		}

		key := f.Name + "\x00" + f.Value
		e.usage[key]++
		if e.usage[key] >= insertAfterUses && e.dynamic.Capacity() > 0 {
			if idx, err := e.insertAndAnnounce(f.Name, f.Value); err == nil {
				lines = append(lines, fieldLine{kind: lineIndexedDynamic, idx: idx})
				continue
			}
		}

		if sIdx, nameOnly, ok := staticLookup(f.Name, f.Value); ok && nameOnly {
			lines = append(lines, fieldLine{kind: lineLiteralNameRefStatic, idx: uint64(sIdx), value: f.Value})
			continue
		}
		if dIdx, nameOnly, ok := e.dynamic.Lookup(f.Name, f.Value); ok && nameOnly {
			lines = append(lines, fieldLine{kind: lineLiteralNameRefDynamic, idx: dIdx, value: f.Value})
			continue
		}
		lines = append(lines, fieldLine{kind: lineLiteralLiteral, name: f.Name, value: f.Value})
	}

	base := e.dynamic.InsertCount()
	ric := uint64(0)
	for _, l := range lines {
		if l.kind == lineIndexedDynamic || l.kind == lineLiteralNameRefDynamic {
			if l.idx+1 > ric {
				ric = l.idx + 1
			}
		}
	}

	var out []byte
	out = appendPrefixInt(out, 8, 0x00, ric)
	out = appendPrefixInt(out, 7, 0x00, base)
	for _, l := range lines {
		switch l.kind {
		case lineIndexedStatic:
			out = appendIndexed(out, true, l.idx)
		case lineIndexedDynamic:
			out = appendIndexed(out, false, base-1-l.idx)
		case lineLiteralNameRefStatic:
			out = appendLiteralWithNameRef(out, true, l.idx, l.value)
		case lineLiteralNameRefDynamic:
			out = appendLiteralWithNameRef(out, false, base-1-l.idx, l.value)
		case lineLiteralLiteral:
			out = appendLiteralWithLiteralName(out, l.name, l.value)
		}
	}
	return out
}

func (e *Encoder) insertAndAnnounce(name, value string) (uint64, error) {
	if nameIdx, nameOnly, ok := staticLookup(name, value); ok && nameOnly {
		e.encSeen = appendInsertWithNameRef(e.encSeen, true, uint64(nameIdx), value)
	} else if dNameIdx, nameOnly, ok := e.dynamic.Lookup(name, value); ok && nameOnly {
		relIdx := e.dynamic.InsertCount() - 1 - dNameIdx
		e.encSeen = appendInsertWithNameRef(e.encSeen, false, relIdx, value)
	} else {
		e.encSeen = appendInsertWithoutNameRef(e.encSeen, name, value)
	}
	return e.dynamic.Insert(name, value)
}

func appendIndexed(b []byte, static bool, idx uint64) []byte {
	flag := byte(0x80)
	if static {
		flag |= 0x40
	}
	return appendPrefixInt(b, 6, flag, idx)
}

func appendLiteralWithNameRef(b []byte, static bool, idx uint64, value string) []byte {
	flag := byte(0x40)
	if static {
		flag |= 0x10
	}
	b = appendPrefixInt(b, 4, flag, idx)
	return appendString(b, value)
}

func appendLiteralWithLiteralName(b []byte, name, value string) []byte {
	b = appendPrefixInt(b, 5, 0x20, uint64(len(name)))
	b = append(b, name...)
	return appendString(b, value)
}
