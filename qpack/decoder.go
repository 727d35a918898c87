package qpack

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Decoder mirrors one connection's dynamic table from encoder-stream
// instructions and turns field sections back into header lists,
// blocking (up to a configured limit) when a section's Required Insert
// Count hasn't arrived yet.
type Decoder struct {
	mu                  sync.Mutex
	dynamic             *dynamicTable
	blockedStreamsLimit int
	blockedCount        int
	decStream           []byte
}

// NewDecoder creates a Decoder whose dynamic table capacity is the value
// this endpoint advertises as SETTINGS_QPACK_MAX_TABLE_CAPACITY; the
// peer's Set Dynamic Table Capacity instruction may lower it further.
func NewDecoder(capacity int) *Decoder {
	return &Decoder{dynamic: newDynamicTable(capacity)}
}

// SetBlockedStreamsLimit bounds how many field sections may be
// simultaneously waiting on dynamic table updates before a section is
// rejected outright (the blocked-streams queue of RFC 9204 §2.1.2).
func (d *Decoder) SetBlockedStreamsLimit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockedStreamsLimit = n
}

// ApplyEncoderInstructions processes a complete, self-contained run of
// encoder-stream instructions (e.g. in a test), updating the mirrored
// dynamic table and waking any field sections blocked on it.
func (d *Decoder) ApplyEncoderInstructions(data []byte) error {
	r := bufio.NewReader(bytes.NewReader(data))
	before := d.dynamic.InsertCount()
	for {
		if err := applyEncoderInstruction(r, d.dynamic); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	// dynamicTable.Insert already broadcast its own cond as each
	// instruction landed, waking anything blocked in DecodeFieldSection.
	if inserted := d.dynamic.InsertCount() - before; inserted > 0 {
		d.mu.Lock()
		d.decStream = appendInsertCountIncrement(d.decStream, inserted)
		d.mu.Unlock()
	}
	return nil
}

// RunEncoderStream continuously applies instructions read from r,
// blocking for more input between instructions rather than assuming
// instruction boundaries line up with Read's chunking; call it in its
// own goroutine for the lifetime of the QPACK encoder stream connection.
// It returns when r.Read starts returning an error (the stream closed).
func (d *Decoder) RunEncoderStream(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		before := d.dynamic.InsertCount()
		if err := applyEncoderInstruction(br, d.dynamic); err != nil {
			return err
		}
		// applyEncoderInstruction only ever touches the self-locking
		// dynamicTable, so the blocking read above never holds d.mu -
		// a peer that goes quiet mid-connection can't starve
		// DecodeFieldSection or PendingInstructions.
		if inserted := d.dynamic.InsertCount() - before; inserted > 0 {
			d.mu.Lock()
			d.decStream = appendInsertCountIncrement(d.decStream, inserted)
			d.mu.Unlock()
		}
	}
}

// PendingInstructions returns and clears the decoder-stream bytes
// accumulated since the last call.
func (d *Decoder) PendingInstructions() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.decStream
	d.decStream = nil
	return b
}

// CancelStream announces, via the decoder stream, that a field section
// for streamID was abandoned (its HTTP/3 stream was reset) before it
// could be decoded.
func (d *Decoder) CancelStream(streamID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decStream = appendStreamCancel(d.decStream, streamID)
}

// DecodeFieldSection decodes one field section. If its Required Insert
// Count exceeds what's been inserted so far, it blocks until enough
// encoder-stream instructions arrive, unless doing so would exceed the
// blocked-streams limit, in which case it returns ErrBlocked immediately
// (the caller should treat this as QPACK_DECOMPRESSION_FAILED).
func (d *Decoder) DecodeFieldSection(streamID uint64, data []byte) ([]HeaderField, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	ric, err := readPrefixInt(r, 8, first)
	if err != nil {
		return nil, err
	}
	firstBase, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	base, err := readPrefixInt(r, 7, firstBase)
	if err != nil {
		return nil, err
	}

	if ric > d.dynamic.InsertCount() {
		d.mu.Lock()
		if d.blockedCount >= d.blockedStreamsLimit {
			d.mu.Unlock()
			return nil, ErrBlocked
		}
		d.blockedCount++
		d.mu.Unlock()

		// Wait on the dynamic table's own condition variable:
		// insertions are signaled from there (possibly from
		// RunEncoderStream, which never holds d.mu while blocked on
		// the wire), so that's what we must wait on to be woken.
		d.dynamic.WaitForInsertCount(ric)

		d.mu.Lock()
		d.blockedCount--
		d.mu.Unlock()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var fields []HeaderField
	for {
		lb, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch {
		case lb&0x80 != 0: // Indexed Field Line
			static := lb&0x40 != 0
			idx, err := readPrefixInt(r, 6, lb)
			if err != nil {
				return nil, err
			}
			f, err := d.resolveIndexed(static, idx, base)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		case lb&0x40 != 0: // Literal Field Line With Name Reference
			static := lb&0x10 != 0
			idx, err := readPrefixInt(r, 4, lb)
			if err != nil {
				return nil, err
			}
			value, err := readString(r)
			if err != nil {
				return nil, err
			}
			name, err := d.resolveName(static, idx, base)
			if err != nil {
				return nil, err
			}
			fields = append(fields, HeaderField{Name: name, Value: value})
		default: // Literal Field Line With Literal Name
			nameLen, err := readPrefixInt(r, 5, lb)
			if err != nil {
				return nil, err
			}
			nameBuf := make([]byte, nameLen)
			if _, err := readFull(r, nameBuf); err != nil {
				return nil, err
			}
			value, err := readString(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, HeaderField{Name: string(nameBuf), Value: value})
		}
	}

	if ric > 0 {
		d.decStream = appendSectionAck(d.decStream, streamID)
	}
	return fields, nil
}

func (d *Decoder) resolveIndexed(static bool, idx, base uint64) (HeaderField, error) {
	if static {
		if int(idx) >= len(staticTable) {
			return HeaderField{}, ErrInvalidIndex
		}
		e := staticTable[idx]
		return HeaderField{Name: e.Name, Value: e.Value}, nil
	}
	e, ok := d.dynamic.ByAbsoluteIndex(dynamicBaseRelativeToAbsolute(base, idx))
	if !ok {
		return HeaderField{}, ErrInvalidIndex
	}
	return HeaderField{Name: e.Name, Value: e.Value}, nil
}

func (d *Decoder) resolveName(static bool, idx, base uint64) (string, error) {
	if static {
		if int(idx) >= len(staticTable) {
			return "", ErrInvalidIndex
		}
		return staticTable[idx].Name, nil
	}
	e, ok := d.dynamic.ByAbsoluteIndex(dynamicBaseRelativeToAbsolute(base, idx))
	if !ok {
		return "", ErrInvalidIndex
	}
	return e.Name, nil
}

func dynamicBaseRelativeToAbsolute(base, relIdx uint64) uint64 {
	if relIdx+1 > base {
		return ^uint64(0)
	}
	return base - 1 - relIdx
}
