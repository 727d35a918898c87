package http3

import (
	"bytes"
	"testing"
)

func TestSettingsFrameRoundTrip(t *testing.T) {
	f := &settingsFrame{
		Datagram: true,
		Other:    map[uint64]uint64{settingQPACKMaxTableCapacity: 4096, settingQPACKBlockedStreams: 16},
	}
	var buf bytes.Buffer
	f.Write(&buf)

	got, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame: %v", err)
	}
	sf, ok := got.(*settingsFrame)
	if !ok {
		t.Fatalf("got %T, want *settingsFrame", got)
	}
	if !sf.Datagram {
		t.Fatalf("expected Datagram=true")
	}
	if sf.Other[settingQPACKMaxTableCapacity] != 4096 {
		t.Fatalf("expected max table capacity 4096, got %d", sf.Other[settingQPACKMaxTableCapacity])
	}
}

func TestHeadersAndDataFrameHeaders(t *testing.T) {
	var buf bytes.Buffer
	appendHeadersFrameHeader(&buf, 10)
	buf.Write(make([]byte, 10))
	appendDataFrameHeader(&buf, 5)
	buf.Write(make([]byte, 5))

	f1, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame headers: %v", err)
	}
	hf, ok := f1.(*headersFrame)
	if !ok || hf.Length != 10 {
		t.Fatalf("got %+v", f1)
	}
	if _, err := buf.Read(make([]byte, 10)); err != nil {
		t.Fatalf("consume header payload: %v", err)
	}

	f2, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame data: %v", err)
	}
	df, ok := f2.(*dataFrame)
	if !ok || df.Length != 5 {
		t.Fatalf("got %+v", f2)
	}
}

func TestUnknownFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x21) // an unassigned frame type, single-byte varint
	buf.WriteByte(0x02) // length = 2
	buf.Write([]byte{0xaa, 0xbb})
	appendHeadersFrameHeader(&buf, 0)

	got, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame: %v", err)
	}
	if _, ok := got.(*headersFrame); !ok {
		t.Fatalf("expected the unknown frame to be skipped, got %T", got)
	}
}
