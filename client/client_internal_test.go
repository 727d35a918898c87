package client

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/scheduler"
)

// stubTransport is a canned transport used to drive the fetch pipeline
// (cache, scheduler, predictor wiring) without a real QUIC dial.
type stubTransport struct {
	calls int32
	fn    func(req *http.Request) (*http.Response, error)
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(req)
}

func (s *stubTransport) Close() error { return nil }

func newTestClient(t *testing.T, rt *stubTransport) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.EarlyDataAllowed = false
	c := newWithoutTransport(opts)
	c.rt = rt
	return c
}

func okResponse(body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: 200, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func TestFetchFreshGETThenCacheHit(t *testing.T) {
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return okResponse("OK", nil), nil
	}}
	c := newTestClient(t, rt)

	resp, err := c.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "https://example.test/index.html", CacheEligible: true})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "OK", string(resp.Body))
	require.False(t, resp.FromCache)

	resp2, err := c.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "https://example.test/index.html", CacheEligible: true})
	require.NoError(t, err)
	require.True(t, resp2.FromCache)
	require.Equal(t, "OK", string(resp2.Body))
	require.EqualValues(t, 1, atomic.LoadInt32(&rt.calls), "cached fetch must not reach the network")
}

func TestFetchRedirectPreservesMethodFor308(t *testing.T) {
	var sawSecondMethod string
	var sawSecondBody string
	hop := 0
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		hop++
		if hop == 1 {
			h := http.Header{"Location": {"/new"}}
			return &http.Response{StatusCode: 308, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
		}
		sawSecondMethod = req.Method
		b, _ := io.ReadAll(req.Body)
		sawSecondBody = string(b)
		return okResponse("done", nil), nil
	}}
	c := newTestClient(t, rt)

	body := io.NopCloser(strings.NewReader("x"))
	resp, err := c.Fetch(context.Background(), Request{Method: http.MethodPost, URL: "https://example.test/submit", Body: body})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, http.MethodPost, sawSecondMethod)
	require.Equal(t, "x", sawSecondBody)
}

func TestFetchRedirect302ConvertsToGETAndDropsBody(t *testing.T) {
	var sawSecondMethod string
	hop := 0
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		hop++
		if hop == 1 {
			h := http.Header{"Location": {"/new"}}
			return &http.Response{StatusCode: 302, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
		}
		sawSecondMethod = req.Method
		return okResponse("done", nil), nil
	}}
	c := newTestClient(t, rt)

	body := io.NopCloser(strings.NewReader("x"))
	_, err := c.Fetch(context.Background(), Request{Method: http.MethodPost, URL: "https://example.test/submit", Body: body})
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, sawSecondMethod)
}

func TestFetchTooManyRedirectsStopsWithoutExtraRequest(t *testing.T) {
	var calls int32
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		h := http.Header{"Location": {"/loop"}}
		return &http.Response{StatusCode: 302, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
	}}
	c := newTestClient(t, rt)
	c.opts.MaxRedirects = 3

	_, err := c.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "https://example.test/a"})
	require.Error(t, err)
	var tmr *TooManyRedirectsError
	require.ErrorAs(t, err, &tmr)
	require.EqualValues(t, 4, calls, "initial request plus MaxRedirects retries, no more")
}

func TestFetchConcurrentCacheableRequestsPopulateOnce(t *testing.T) {
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return okResponse("OK", nil), nil
	}}
	c := newTestClient(t, rt)

	done := make(chan *Response, 10)
	for i := 0; i < 10; i++ {
		go func() {
			resp, err := c.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "https://example.test/shared", CacheEligible: true})
			require.NoError(t, err)
			done <- resp
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&rt.calls))
}

func TestFetchDependencyPrefetchEnqueuesReferences(t *testing.T) {
	const page = `<html><head><link rel="stylesheet" href="/s.css"><img src="/i.png"></head></html>`
	var mu sync.Mutex
	seen := map[string]bool{}
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		seen[req.URL.Path] = true
		mu.Unlock()
		if req.URL.Path == "/page.html" {
			return okResponse(page, http.Header{"Content-Type": {"text/html"}}), nil
		}
		return okResponse("", nil), nil
	}}
	c := newTestClient(t, rt)

	_, err := c.Fetch(context.Background(), Request{
		Method:        http.MethodGet,
		URL:           "https://example.test/page.html",
		ResourceType:  scheduler.ResourceDocument,
		CacheEligible: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["/s.css"] && seen["/i.png"]
	}, 2*time.Second, 10*time.Millisecond)
}
