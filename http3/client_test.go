package http3

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/menchan-Rub/quantum/internal/utils"
	"github.com/menchan-Rub/quantum/qpack"
)

func TestRequestWriterEncodesAndDecodes(t *testing.T) {
	enc := qpack.NewEncoder()
	w := newRequestWriter(utils.DefaultLogger, enc)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/index.html?x=1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("User-Agent", "quantum-test")

	var buf bytes.Buffer
	if err := w.WriteRequest(&buf, req, true); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	f, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame: %v", err)
	}
	hf, ok := f.(*headersFrame)
	if !ok {
		t.Fatalf("got %T, want *headersFrame", f)
	}
	block := make([]byte, hf.Length)
	if _, err := buf.Read(block); err != nil {
		t.Fatalf("reading header block: %v", err)
	}

	dec := qpack.NewDecoder(0)
	fields, err := dec.DecodeFieldSection(0, block)
	if err != nil {
		t.Fatalf("DecodeFieldSection: %v", err)
	}

	want := map[string]string{
		":method":    "GET",
		":scheme":    "https",
		":path":      "/index.html?x=1",
		":authority": "example.com",
	}
	got := make(map[string]string)
	for _, hf := range fields {
		got[hf.Name] = hf.Value
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s: got %q, want %q", k, got[k], v)
		}
	}
	if got["accept-encoding"] != "gzip" {
		t.Errorf("expected accept-encoding: gzip, got %q", got["accept-encoding"])
	}
}

func TestRequestWriterStreamsBody(t *testing.T) {
	enc := qpack.NewEncoder()
	w := newRequestWriter(utils.DefaultLogger, enc)

	body := bytes.NewBufferString("hello world")
	req, err := http.NewRequest(http.MethodPost, "https://example.com/upload", body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.ContentLength = int64(body.Len())

	var buf bytes.Buffer
	if err := w.WriteRequest(&buf, req, false); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	hf, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame headers: %v", err)
	}
	headers, ok := hf.(*headersFrame)
	if !ok {
		t.Fatalf("got %T, want *headersFrame", hf)
	}
	if _, err := buf.Read(make([]byte, headers.Length)); err != nil {
		t.Fatalf("consuming header block: %v", err)
	}

	df, err := parseNextFrame(&buf, nil)
	if err != nil {
		t.Fatalf("parseNextFrame data: %v", err)
	}
	dFrame, ok := df.(*dataFrame)
	if !ok {
		t.Fatalf("got %T, want *dataFrame", df)
	}
	got := make([]byte, dFrame.Length)
	if _, err := buf.Read(got); err != nil {
		t.Fatalf("reading data payload: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}
