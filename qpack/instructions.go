package qpack

import "bufio"

// Encoder-stream instruction opcodes (RFC 9204 §4.3), identified by the
// leading bits of the first byte.
const (
	instrSetCapacity       = 0x20 // 001xxxxx
	instrInsertWithNameRef = 0x80 // 1Txxxxxx
	instrInsertNoNameRef   = 0x40 // 01Hxxxxx
	instrDuplicate         = 0x00 // 000xxxxx
)

// Decoder-stream instruction opcodes (RFC 9204 §4.4).
const (
	instrSectionAck       = 0x80 // 1xxxxxxx
	instrStreamCancel     = 0x40 // 01xxxxxx
	instrInsertCountIncr  = 0x00 // 00xxxxxx
)

func appendSetCapacity(b []byte, capacity int) []byte {
	return appendPrefixInt(b, 5, instrSetCapacity, uint64(capacity))
}

func appendInsertWithNameRef(b []byte, static bool, nameIdx uint64, value string) []byte {
	flag := byte(instrInsertWithNameRef)
	if static {
		flag |= 0x40
	}
	b = appendPrefixInt(b, 6, flag, nameIdx)
	return appendString(b, value)
}

func appendInsertWithoutNameRef(b []byte, name, value string) []byte {
	b = appendPrefixInt(b, 5, instrInsertNoNameRef, uint64(len(name)))
	b = append(b, name...)
	return appendString(b, value)
}

func appendDuplicate(b []byte, relIdx uint64) []byte {
	return appendPrefixInt(b, 5, instrDuplicate, relIdx)
}

func appendSectionAck(b []byte, streamID uint64) []byte {
	return appendPrefixInt(b, 7, instrSectionAck, streamID)
}

func appendStreamCancel(b []byte, streamID uint64) []byte {
	return appendPrefixInt(b, 6, instrStreamCancel, streamID)
}

func appendInsertCountIncrement(b []byte, increment uint64) []byte {
	return appendPrefixInt(b, 6, instrInsertCountIncr, increment)
}

// applyEncoderInstruction reads and applies exactly one encoder-stream
// instruction from r against the dynamic table. It returns only an
// error (io.EOF when r is empty at an instruction boundary).
func applyEncoderInstruction(r *bufio.Reader, dt *dynamicTable) error {
	first, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch {
	case first&0x80 != 0: // Insert With Name Reference
		static := first&0x40 != 0
		nameIdx, err := readPrefixInt(r, 6, first)
		if err != nil {
			return err
		}
		value, err := readString(r)
		if err != nil {
			return err
		}
		var name string
		if static {
			if int(nameIdx) >= len(staticTable) {
				return ErrInvalidIndex
			}
			name = staticTable[nameIdx].Name
		} else {
			e, ok := dt.ByAbsoluteIndex(dynamicRelativeToAbsolute(dt, nameIdx))
			if !ok {
				return ErrInvalidIndex
			}
			name = e.Name
		}
		_, err = dt.Insert(name, value)
		return err
	case first&0x40 != 0: // Insert Without Name Reference
		nameLen, err := readPrefixInt(r, 5, first)
		if err != nil {
			return err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := readFull(r, nameBuf); err != nil {
			return err
		}
		value, err := readString(r)
		if err != nil {
			return err
		}
		_, err = dt.Insert(string(nameBuf), value)
		return err
	case first&0x20 != 0: // Set Dynamic Table Capacity
		cap, err := readPrefixInt(r, 5, first)
		if err != nil {
			return err
		}
		dt.SetCapacity(int(cap))
		return nil
	default: // Duplicate
		relIdx, err := readPrefixInt(r, 5, first)
		if err != nil {
			return err
		}
		e, ok := dt.ByAbsoluteIndex(dynamicRelativeToAbsolute(dt, relIdx))
		if !ok {
			return ErrInvalidIndex
		}
		_, err = dt.Insert(e.Name, e.Value)
		return err
	}
}

// dynamicRelativeToAbsolute converts a "most recently inserted entry is
// index 0" relative index (as used on the encoder stream itself, where
// the insert count at the time of reference is the newest entry) into
// an absolute index.
func dynamicRelativeToAbsolute(dt *dynamicTable, relIdx uint64) uint64 {
	if dt.InsertCount() == 0 || relIdx >= dt.InsertCount() {
		return ^uint64(0)
	}
	return dt.InsertCount() - 1 - relIdx
}
