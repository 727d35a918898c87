package http3

import (
	"compress/gzip"
	"io"
	"sync"
)

// responseBody wraps the HTTP/3 request stream's read side, stripping
// DATA frame headers and signaling reqDone exactly once so the
// RoundTrip-spawned cancellation goroutine can exit. onFrameError is
// invoked (closing the connection) if a non-DATA frame shows up where a
// body was expected.
type responseBody struct {
	mu           sync.Mutex
	str          io.Reader
	cancel       func(uint64)
	reqDone      chan struct{}
	reqDoneOnce  sync.Once
	onFrameError func()

	remaining int64 // bytes left in the current DATA frame
	closed    bool
}

func newResponseBody(str io.Reader, cancel func(uint64), reqDone chan struct{}, onFrameError func()) *responseBody {
	return &responseBody{str: str, cancel: cancel, reqDone: reqDone, onFrameError: onFrameError}
}

func (r *responseBody) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}
	if r.remaining == 0 {
		f, err := parseNextFrame(r.str, nil)
		if err != nil {
			if err == io.EOF {
				r.markDone()
			}
			return 0, err
		}
		df, ok := f.(*dataFrame)
		if !ok {
			if r.onFrameError != nil {
				r.onFrameError()
			}
			return 0, errUnexpectedFrame
		}
		r.remaining = int64(df.Length)
		if r.remaining == 0 {
			return 0, nil
		}
	}
	if int64(len(b)) > r.remaining {
		b = b[:r.remaining]
	}
	n, err := r.str.Read(b)
	r.remaining -= int64(n)
	return n, err
}

func (r *responseBody) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel(uint64(errorRequestCanceled))
	}
	r.markDone()
	return nil
}

func (r *responseBody) markDone() {
	r.reqDoneOnce.Do(func() { close(r.reqDone) })
}

var errUnexpectedFrame = errUnexpectedFrameErr{}

type errUnexpectedFrameErr struct{}

func (errUnexpectedFrameErr) Error() string { return "http3: expected a DATA frame" }

// gzipReader transparently decompresses a gzip-encoded response body,
// closing the underlying body alongside the gzip reader.
type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
	init bool
}

func newGzipReader(body io.ReadCloser) io.ReadCloser {
	return &gzipReader{body: body}
}

func (g *gzipReader) Read(p []byte) (int, error) {
	if !g.init {
		zr, err := gzip.NewReader(g.body)
		if err != nil {
			return 0, err
		}
		g.zr = zr
		g.init = true
	}
	return g.zr.Read(p)
}

func (g *gzipReader) Close() error { return g.body.Close() }
