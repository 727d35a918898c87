package qpack

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"
)

func TestStaticOnlyRoundTrip(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(0)

	fields := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: "accept", Value: "*/*"},
	}
	section := enc.EncodeFieldSection(fields)
	if len(enc.PendingInstructions()) != 0 {
		t.Fatalf("static-only fields should not produce encoder instructions")
	}
	got, err := dec.DecodeFieldSection(0, section)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, fields) {
		t.Fatalf("got %+v, want %+v", got, fields)
	}
}

func TestLiteralWithLiteralName(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(0)

	fields := []HeaderField{{Name: "x-custom-trace", Value: "abc123"}}
	section := enc.EncodeFieldSection(fields)
	got, err := dec.DecodeFieldSection(0, section)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, fields) {
		t.Fatalf("got %+v, want %+v", got, fields)
	}
}

func TestDynamicTableInsertionOnRepeat(t *testing.T) {
	enc := NewEncoder()
	enc.SetCapacity(4096)
	dec := NewDecoder(4096)

	field := HeaderField{Name: "x-trace-id", Value: "deadbeef"}

	for i := 0; i < insertAfterUses+1; i++ {
		section := enc.EncodeFieldSection([]HeaderField{field})
		if instr := enc.PendingInstructions(); len(instr) > 0 {
			if err := dec.ApplyEncoderInstructions(instr); err != nil {
				t.Fatalf("apply instructions: %v", err)
			}
		}
		got, err := dec.DecodeFieldSection(uint64(i), section)
		if err != nil {
			t.Fatalf("decode iteration %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, []HeaderField{field}) {
			t.Fatalf("iteration %d: got %+v", i, got)
		}
	}

	if enc.dynamic.InsertCount() == 0 {
		t.Fatalf("expected a dynamic table insertion after repeated use")
	}
}

func TestDynamicTableEviction(t *testing.T) {
	dt := newDynamicTable(entrySize("k2", "v2"))
	idx0, err := dt.Insert("k", "v")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := dt.Insert("k2", "v2"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := dt.ByAbsoluteIndex(idx0); ok {
		t.Fatalf("expected first entry to be evicted")
	}
}

func TestDecoderBlocksUntilInsertCountSatisfied(t *testing.T) {
	enc := NewEncoder()
	enc.SetCapacity(4096)
	dec := NewDecoder(4096)
	dec.SetBlockedStreamsLimit(1)

	field := HeaderField{Name: "x-trace-id", Value: "deadbeef"}
	var section []byte
	var instr []byte
	for i := 0; i < insertAfterUses+1; i++ {
		s := enc.EncodeFieldSection([]HeaderField{field})
		if in := enc.PendingInstructions(); len(in) > 0 {
			section, instr = s, in
		}
	}
	if len(instr) == 0 {
		t.Fatalf("expected an insertion to have been announced")
	}

	done := make(chan struct{})
	go func() {
		got, err := dec.DecodeFieldSection(1, section)
		if err != nil {
			t.Errorf("decode: %v", err)
		}
		if !reflect.DeepEqual(got, []HeaderField{field}) {
			t.Errorf("got %+v", got)
		}
		close(done)
	}()

	if err := dec.ApplyEncoderInstructions(instr); err != nil {
		t.Fatalf("apply instructions: %v", err)
	}
	<-done
}

func TestIntegerRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 30, 31, 127, 128, 1000000} {
		b := appendPrefixInt(nil, 5, 0, v)
		r := bufio.NewReader(bytes.NewReader(b[1:]))
		got, err := readPrefixInt(r, 5, b[0])
		if err != nil {
			t.Fatalf("value %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("value %d: got %d", v, got)
		}
	}
}
