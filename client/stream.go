package client

import (
	"context"
	"io"
	"net/http"
	"time"
)

// StreamBody wraps the underlying response body io.ReadCloser; a zero
// value reads as an already-closed empty body (used for redirect
// responses with no Location to follow further). Closing it also
// releases the per-request deadline context FetchStream derived.
type StreamBody struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (b *StreamBody) Read(p []byte) (int, error) {
	if b.rc == nil {
		return 0, io.EOF
	}
	return b.rc.Read(p)
}

func (b *StreamBody) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.rc == nil {
		return nil
	}
	return b.rc.Close()
}

// ResponseHead is the header portion of a streamed response, returned
// from FetchStream before the body has necessarily arrived in full.
type ResponseHead struct {
	Status int
	Header http.Header
}

// FetchStream is Fetch's streaming variant: the header
// section is returned as soon as it decodes, and the body is exposed as
// an io.ReadCloser the caller drains independently. Redirects (if
// enabled) are still followed transparently: each intermediate
// response's body is closed without being read before issuing the next
// request, and
// only the final response in the chain is streamed to the caller.
// Streamed responses bypass the cache facade, whose populate path
// needs the full body to deposit an entry.
func (c *Client) FetchStream(ctx context.Context, req Request) (*ResponseHead, *StreamBody, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		// The body may outlive this call, so the deadline context is
		// released by StreamBody.Close rather than here.
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(timeout))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	targetURL := req.URL
	redirectsLeft := c.opts.MaxRedirects

	for {
		hreq, _, err := c.buildHTTPRequest(ctx, method, targetURL, nil, req.Header)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		hresp, err := c.rt.RoundTrip(hreq)
		if err != nil {
			cancel()
			return nil, nil, err
		}

		if c.opts.FollowRedirects && isRedirectStatus(hresp.StatusCode) {
			hresp.Body.Close()
			loc := hresp.Header.Get("Location")
			if loc == "" {
				return &ResponseHead{Status: hresp.StatusCode, Header: hresp.Header}, &StreamBody{cancel: cancel}, nil
			}
			if redirectsLeft <= 0 {
				cancel()
				return nil, nil, &TooManyRedirectsError{Limit: c.opts.MaxRedirects}
			}
			redirectsLeft--
			next, err := resolveRedirect(targetURL, loc)
			if err != nil {
				cancel()
				return nil, nil, err
			}
			targetURL = next
			if hresp.StatusCode != http.StatusTemporaryRedirect && hresp.StatusCode != http.StatusPermanentRedirect {
				method = http.MethodGet
			}
			continue
		}

		return &ResponseHead{Status: hresp.StatusCode, Header: hresp.Header}, &StreamBody{rc: hresp.Body, cancel: cancel}, nil
	}
}
