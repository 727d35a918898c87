package http3

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/menchan-Rub/quantum/internal/utils"
	"github.com/menchan-Rub/quantum/qpack"
)

// requestWriter turns an *http.Request into a HEADERS frame (QPACK-
// encoded pseudo-headers plus ordinary headers) optionally followed by
// a streamed DATA body, and writes both to a QUIC stream.
type requestWriter struct {
	logger  utils.Logger
	encoder *qpack.Encoder
}

func newRequestWriter(logger utils.Logger, encoder *qpack.Encoder) *requestWriter {
	return &requestWriter{logger: logger, encoder: encoder}
}

func (w *requestWriter) WriteRequest(str io.Writer, req *http.Request, gzip bool) error {
	fields, err := w.encodeHeaders(req, gzip)
	if err != nil {
		return err
	}
	block := w.encoder.EncodeFieldSection(fields)

	var buf bytes.Buffer
	appendHeadersFrameHeader(&buf, len(block))
	buf.Write(block)
	if _, err := str.Write(buf.Bytes()); err != nil {
		return err
	}

	if req.Body == nil {
		return nil
	}
	defer req.Body.Close()
	return w.writeBody(str, req.Body)
}

func (w *requestWriter) writeBody(str io.Writer, body io.ReadCloser) error {
	b := make([]byte, 4096)
	for {
		n, rerr := body.Read(b)
		if n > 0 {
			var frameBuf bytes.Buffer
			appendDataFrameHeader(&frameBuf, n)
			frameBuf.Write(b[:n])
			if _, err := str.Write(frameBuf.Bytes()); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (w *requestWriter) encodeHeaders(req *http.Request, gzip bool) ([]qpack.HeaderField, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("http3: request has no URL")
	}
	var fields []qpack.HeaderField
	fields = append(fields, qpack.HeaderField{Name: ":method", Value: req.Method})
	if req.Method != http.MethodConnect {
		fields = append(fields,
			qpack.HeaderField{Name: ":scheme", Value: "https"},
			qpack.HeaderField{Name: ":path", Value: requestPath(req)},
		)
	}
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	fields = append(fields, qpack.HeaderField{Name: ":authority", Value: authority})

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lower := toLowerHeader(k)
		if lower == "host" || lower == "connection" || lower == "transfer-encoding" {
			continue
		}
		for _, v := range req.Header[k] {
			fields = append(fields, qpack.HeaderField{Name: lower, Value: v})
		}
	}
	if gzip {
		fields = append(fields, qpack.HeaderField{Name: "accept-encoding", Value: "gzip"})
	}
	if req.ContentLength > 0 {
		fields = append(fields, qpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(req.ContentLength, 10)})
	}
	return fields, nil
}

func requestPath(req *http.Request) string {
	if req.URL.RawQuery == "" {
		if req.URL.Path == "" {
			return "/"
		}
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

func toLowerHeader(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
