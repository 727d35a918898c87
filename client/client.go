// Package client is the top-level facade: it wires scheduler, predict,
// cache, http3 and quic into the fetch/stream/preconnect/dns-prefetch/
// invalidate/stats API a browser's fetch layer calls into.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/menchan-Rub/quantum/cache"
	"github.com/menchan-Rub/quantum/http3"
	"github.com/menchan-Rub/quantum/internal/earlydata"
	"github.com/menchan-Rub/quantum/internal/utils"
	"github.com/menchan-Rub/quantum/predict"
	"github.com/menchan-Rub/quantum/quic"
	"github.com/menchan-Rub/quantum/scheduler"
)

// transport is the subset of *http3.RoundTripper the client facade
// drives; an interface so tests can substitute a stub transport without
// a real QUIC dial (production always constructs a *http3.RoundTripper
// in New).
type transport interface {
	RoundTrip(*http.Request) (*http.Response, error)
	Close() error
}

var _ transport = (*http3.RoundTripper)(nil)

// Request is the caller-facing unit of work Fetch accepts.
type Request struct {
	Method       string
	URL          string
	Header       http.Header
	Body         io.ReadCloser
	ContentLength int64

	ResourceType scheduler.ResourceType
	InViewport   bool
	InitiatorURL string

	// CacheEligible opts this request into the cache facade; Non-GET/HEAD
	// requests should leave this false.
	CacheEligible bool

	// Timeout overrides Options.DefaultTimeout for this request if
	// non-zero; timeouts are absolute deadlines, not activity-based.
	Timeout time.Duration
}

// Response is Fetch's result, including the cache and early-data
// telemetry flags.
type Response struct {
	Status        int
	Header        http.Header
	Body          []byte
	FromCache     bool
	UsedEarlyData bool
	Duration      time.Duration
}

// Client owns one cache, one predictor, one scheduler, one early-data
// manager, and a map of per-origin http3 connections (via
// http3.RoundTripper), all constructed with an explicit lifecycle;
// there are no process-wide singletons.
type Client struct {
	opts Options

	rt        transport
	cacheInst *cache.Cache
	sched     *scheduler.Scheduler
	predictor *predict.Predictor
	early     *earlydata.Manager
	logger    utils.Logger

	mu           sync.Mutex
	inFlight     map[string]bool   // fingerprint -> populate in progress
	fpToURL      map[string]string // fingerprint -> last URL, for origin invalidation

	reqCounter  *prometheus.CounterVec
	ttfbHist    *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// New constructs a Client. tlsConf configures the TLS collaborator
// (crypto/tls's native QUIC mode); pass nil for defaults.
func New(opts Options, tlsConf *tls.Config) *Client {
	c := newWithoutTransport(opts)

	qconf := quic.DefaultConfig()
	if opts.KeepAliveInterval > 0 {
		qconf.KeepAlive = true
		qconf.KeepAlivePeriod = opts.KeepAliveInterval
	}
	qconf.Allow0RTT = opts.EarlyDataAllowed

	c.rt = &http3.RoundTripper{
		TLSClientConfig: applyTLSProfile(tlsConf, opts.TLSProfile),
		QUICConfig:      qconf,
	}
	return c
}

// newWithoutTransport builds every Client component except the wire
// transport; New (and the tests, with a stub) finish construction by
// assigning c.rt.
func newWithoutTransport(opts Options) *Client {
	reg := prometheus.NewRegistry()
	reqCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantum_client_requests_total",
		Help: "HTTP/3 requests by host and outcome.",
	}, []string{"host", "outcome"})
	ttfbHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantum_client_ttfb_seconds",
		Help:    "Time to first byte per request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{Name: "quantum_client_cache_hits_total"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{Name: "quantum_client_cache_misses_total"})
	reg.MustRegister(reqCounter, ttfbHist, cacheHits, cacheMisses)

	sched := scheduler.New(nil)

	c := &Client{
		opts:        opts,
		sched:       sched,
		early:       earlydata.NewManager(256),
		logger:      utils.DefaultLogger.WithPrefix("client"),
		inFlight:    make(map[string]bool),
		fpToURL:     make(map[string]string),
		reqCounter:  reqCounter,
		ttfbHist:    ttfbHist,
		cacheHits:   cacheHits,
		cacheMisses: cacheMisses,
	}
	if opts.CacheEnabled {
		c.cacheInst = cache.New(opts.CacheMaxEntries, opts.CacheMaxBytes)
	}
	c.predictor = predict.New(predictorModel(opts.PredictionModel), c.isInFlightOrCached)
	return c
}

func predictorModel(m PredictionModel) predict.Model {
	switch m {
	case PredictionDisabled:
		return predict.Disabled{}
	case PredictionAdvanced:
		return predict.Advanced{}
	case PredictionUserAdaptive:
		return predict.UserAdaptive{}
	default:
		return predict.Basic{}
	}
}

// applyTLSProfile only affects the ClientHello shape (cipher/curve
// preference); TLS 1.3 cryptography itself is delegated entirely to
// crypto/tls.
func applyTLSProfile(base *tls.Config, profile TLSProfile) *tls.Config {
	cfg := base
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	switch profile {
	case TLSProfileModern, TLSProfileChrome:
		cfg.CurvePreferences = []tls.CurveID{tls.X25519, tls.CurveP256}
	case TLSProfileCompatible, TLSProfileFirefox, TLSProfileSafari:
		cfg.CurvePreferences = []tls.CurveID{tls.CurveP256, tls.CurveP384, tls.X25519}
	}
	return cfg
}

func (c *Client) isInFlightOrCached(rawURL string) bool {
	fp := cache.Fingerprint(rawURL, false)
	if c.cacheInst != nil {
		if _, ok := c.cacheInst.Get(fp); ok {
			return true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[fp]
}

// Fetch runs the full request flow: cache lookup,
// connection resolution (with 0-RTT when authorized), priority
// assignment, send, redirect handling, and post-success dependency
// analysis/prefetch dispatch.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, start.Add(timeout))
		defer cancel()
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid URL %q: %w", req.URL, err)
	}
	host := u.Hostname()

	assign := c.sched.Assign(host, scheduler.Request{
		Type:         req.ResourceType,
		InViewport:   req.InViewport && c.opts.ViewportTrackingEnabled,
		InitiatorURL: req.InitiatorURL,
	}, 1.0)
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Priority", fmt.Sprintf("u=%d", assign.Priority.Urgency()))
	c.logger.Debugf("scheduling %s %s at urgency %d (weight %.2f)", req.Method, req.URL, assign.Priority.Urgency(), assign.Weight)

	cacheable := req.CacheEligible && c.opts.CacheEnabled && c.cacheInst != nil &&
		(req.Method == "" || req.Method == http.MethodGet || req.Method == http.MethodHead)
	fp := cache.Fingerprint(req.URL, false)

	if cacheable {
		if e, ok := c.cacheInst.Get(fp); ok {
			c.cacheHits.Inc()
			return &Response{Status: e.Status, Header: e.Header.Clone(), Body: append([]byte(nil), e.Body...), FromCache: true}, nil
		}
		c.cacheMisses.Inc()
	}

	var usedEarly bool
	do := func() (*cache.Entry, error) {
		resp, early, ferr := c.fetchOverWire(ctx, host, req, start)
		if ferr != nil {
			return nil, ferr
		}
		usedEarly = early
		if !cacheable {
			return &cache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
		}
		exp := cache.ExpiresFrom(resp.Header, time.Now(), c.opts.CacheDefaultTTL)
		return &cache.Entry{
			Status:       resp.Status,
			Header:       resp.Header,
			Body:         resp.Body,
			ContentType:  resp.Header.Get("Content-Type"),
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Expires:      exp,
			LastAccess:   time.Now(),
		}, nil
	}

	c.mu.Lock()
	c.inFlight[fp] = true
	c.fpToURL[fp] = req.URL
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, fp)
		c.mu.Unlock()
	}()

	var entry *cache.Entry
	if cacheable {
		entry, err = c.cacheInst.GetOrPopulate(fp, do)
	} else {
		entry, err = do()
	}
	if err != nil {
		c.reqCounter.WithLabelValues(host, "error").Inc()
		return nil, err
	}
	c.reqCounter.WithLabelValues(host, "success").Inc()

	resp := &Response{Status: entry.Status, Header: entry.Header.Clone(), Body: append([]byte(nil), entry.Body...), Duration: time.Since(start), UsedEarlyData: usedEarly}

	if isCompletedContentType(resp, req.ResourceType) {
		go c.analyzeAndPrefetch(req.URL, resp, req.ResourceType)
	}
	return resp, nil
}

func isCompletedContentType(resp *Response, t scheduler.ResourceType) bool {
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	switch t {
	case scheduler.ResourceDocument, scheduler.ResourceStylesheet, scheduler.ResourceScript:
		return true
	default:
		return false
	}
}

// fetchOverWire performs one request/redirect chain over http3; the
// method and body are preserved for 307/308 and converted to a bodyless
// GET otherwise.
func (c *Client) fetchOverWire(ctx context.Context, host string, req Request, start time.Time) (*Response, bool, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	targetURL := req.URL
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, false, fmt.Errorf("client: reading request body: %w", err)
		}
		body = b
	}

	redirectsLeft := c.opts.MaxRedirects
	if redirectsLeft <= 0 && c.opts.FollowRedirects {
		redirectsLeft = 5
	}
	var usedEarlyOnFirstHop bool

	for hop := 0; ; hop++ {
		hreq, usedEarly, err := c.buildHTTPRequest(ctx, method, targetURL, body, req.Header)
		if err != nil {
			return nil, false, err
		}
		if hop == 0 {
			usedEarlyOnFirstHop = usedEarly
		}

		reqStart := time.Now()
		hresp, err := c.rt.RoundTrip(hreq)
		// Idempotent requests rejected transiently by the server
		// (REQUEST_CANCELLED, EXCESSIVE_LOAD) retry up to three times
		// with exponential backoff; other methods surface
		// the error to the caller.
		if err != nil && (method == http.MethodGet || method == http.MethodHead) {
			backoff := 100 * time.Millisecond
			for attempt := 0; attempt < 3 && isRetryableStreamError(err) && ctx.Err() == nil; attempt++ {
				time.Sleep(backoff)
				backoff *= 2
				retryReq, _, berr := c.buildHTTPRequest(ctx, method, targetURL, body, req.Header)
				if berr != nil {
					break
				}
				hresp, err = c.rt.RoundTrip(retryReq)
			}
		}
		if err != nil {
			c.sched.Stats().RecordRequest(host, time.Since(reqStart), false)
			if usedEarly {
				c.early.RecordRejected(host)
			}
			if ctx.Err() == context.DeadlineExceeded {
				return nil, false, &TimeoutError{}
			}
			if ctx.Err() == context.Canceled {
				return nil, false, &CanceledError{}
			}
			return nil, false, err
		}
		ttfb := time.Since(reqStart)
		c.sched.Stats().RecordRequest(host, ttfb, true)
		c.ttfbHist.WithLabelValues(host).Observe(ttfb.Seconds())
		if usedEarly {
			// The transport reports whether the server actually accepted
			// the early data; a transparent rejection-and-retry still
			// succeeds, but the response must not claim 0-RTT was used.
			if probe, ok := c.rt.(interface{ Used0RTT(string) bool }); ok {
				usedEarly = probe.Used0RTT(host)
			}
			if hop == 0 {
				usedEarlyOnFirstHop = usedEarly
			}
			if usedEarly {
				c.early.RecordAccepted(host)
			} else {
				c.early.RecordRejected(host)
			}
		}

		respBody, err := io.ReadAll(hresp.Body)
		hresp.Body.Close()
		if err != nil {
			return nil, false, fmt.Errorf("client: reading response body: %w", err)
		}

		if c.opts.FollowRedirects && isRedirectStatus(hresp.StatusCode) {
			loc := hresp.Header.Get("Location")
			if loc == "" {
				return toResponse(hresp, respBody), usedEarlyOnFirstHop, nil
			}
			if redirectsLeft <= 0 {
				return nil, false, &TooManyRedirectsError{Limit: c.opts.MaxRedirects}
			}
			redirectsLeft--
			next, err := resolveRedirect(targetURL, loc)
			if err != nil {
				return nil, false, fmt.Errorf("client: bad redirect Location: %w", err)
			}
			targetURL = next
			if hresp.StatusCode == http.StatusTemporaryRedirect || hresp.StatusCode == http.StatusPermanentRedirect {
				// method and body are preserved verbatim.
			} else {
				method = http.MethodGet
				body = nil
			}
			host = hostOf(targetURL)
			continue
		}

		return toResponse(hresp, respBody), usedEarlyOnFirstHop, nil
	}
}

func toResponse(hresp *http.Response, body []byte) *Response {
	return &Response{Status: hresp.StatusCode, Header: hresp.Header.Clone(), Body: body}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func resolveRedirect(base, loc string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}

// isRetryableStreamError matches the two request-scoped HTTP/3 codes
// eligible for automatic retry: H3_REQUEST_CANCELLED (0x10c) and
// H3_EXCESSIVE_LOAD (0x107).
func isRetryableStreamError(err error) bool {
	var se *quic.StreamError
	if !errors.As(err, &se) {
		return false
	}
	return se.ErrorCode == 0x10c || se.ErrorCode == 0x107
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (c *Client) buildHTTPRequest(ctx context.Context, method, targetURL string, body []byte, header http.Header) (*http.Request, bool, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, targetURL, bodyReader)
	if err != nil {
		return nil, false, err
	}
	merged := http.Header{}
	for k, v := range c.opts.DefaultHeaders {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range header {
		merged[k] = append([]string(nil), v...)
	}
	hreq.Header = merged
	hreq.Header.Set("X-Quantum-Trace-Id", uuid.NewString())

	host := hreq.URL.Hostname()
	usedEarly := c.opts.EarlyDataAllowed && earlydata.IsSafeForEarlyData(method) && c.early.MayAttempt0RTT(host)
	if usedEarly {
		hreq.Method = http3.MethodGet0RTT
	}
	return hreq, usedEarly, nil
}

// analyzeAndPrefetch extracts outbound references from a completed
// Document/Stylesheet/Script response, asks the predictor for the
// top-k, and issues them as low/background-priority prefetches,
// deduplicated against the cache and in-flight set.
func (c *Client) analyzeAndPrefetch(pageURL string, resp *Response, resourceType scheduler.ResourceType) {
	kind := predict.ContentHTML
	switch resourceType {
	case scheduler.ResourceStylesheet:
		kind = predict.ContentCSS
	case scheduler.ResourceScript:
		kind = predict.ContentJS
	}
	viewport := c.opts.ViewportWidth
	refs := predict.ExtractReferences(kind, resp.Body, pageURL, viewport)
	if len(refs) == 0 {
		return
	}
	// dns-prefetch/preconnect hints trigger their actions, not fetches.
	for _, ref := range refs {
		u, err := url.Parse(ref.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		switch {
		case ref.DNSPrefetchOnly:
			c.DNSPrefetch(context.Background(), u.Hostname())
		case ref.PreconnectOnly:
			go c.Preconnect(context.Background(), u.Hostname(), 0, "https")
		}
	}
	top := c.predictor.Predict(pageURL, refs, c.opts.PrefetchTopK)
	for _, ref := range top {
		c.logger.Debugf("prefetching %s (type=%s)", ref.URL, ref.Type)
		go func(ref predict.Reference) {
			_, err := c.Fetch(context.Background(), Request{
				Method:        http.MethodGet,
				URL:           ref.URL,
				ResourceType:  ref.Type,
				CacheEligible: true,
				InitiatorURL:  pageURL,
			})
			if err != nil {
				c.logger.Debugf("prefetch of %s failed: %s", ref.URL, err)
			}
		}(ref)
	}
}

// RecordUsed tells the predictor that usedURL was actually requested by
// the page loaded from pageURL, closing the prediction accuracy loop.
func (c *Client) RecordUsed(pageURL, usedURL string) {
	c.predictor.RecordUsed(pageURL, usedURL)
}

// RecordUnused is RecordUsed's counterpart for predictions the page
// never requested; callers typically invoke it at navigation end.
func (c *Client) RecordUnused(pageURL, predictedURL string) {
	c.predictor.RecordUnused(pageURL, predictedURL)
}

// Preconnect eagerly dials (and handshakes) a connection to host:port
// without an associated request.
func (c *Client) Preconnect(ctx context.Context, host string, port int, scheme string) error {
	if port == 0 {
		port = 443
	}
	authority := fmt.Sprintf("%s:%d", host, port)
	_, err := c.rt.RoundTrip(&http.Request{
		Method: http.MethodHead,
		URL:    &url.URL{Scheme: "https", Host: authority, Path: "/"},
		Header: http.Header{},
	})
	// A HEAD to "/" may legitimately 404; preconnect has no response to
	// return, only a connection to warm, so nothing beyond a dial
	// failure is worth reporting.
	if err != nil {
		c.logger.Debugf("preconnect to %s failed: %s", authority, err)
	}
	return nil
}

// DNSPrefetch warms the resolver cache via a plain lookup and reports
// nothing to the caller.
func (c *Client) DNSPrefetch(ctx context.Context, host string) {
	go func() {
		_, _ = net.DefaultResolver.LookupHost(ctx, host)
	}()
}

// Invalidate removes the one cache entry for that exact URL.
func (c *Client) Invalidate(rawURL string) {
	if c.cacheInst == nil {
		return
	}
	fp := cache.Fingerprint(rawURL, false)
	c.cacheInst.Invalidate(fp)
}

// InvalidateOrigin removes every cache entry whose URL shares rawURL's
// origin (scheme://host[:port]).
func (c *Client) InvalidateOrigin(rawURL string) {
	if c.cacheInst == nil {
		return
	}
	origin := originOf(rawURL)
	c.mu.Lock()
	var keys []string
	for fp, u := range c.fpToURL {
		if originOf(u) == origin {
			keys = append(keys, fp)
			delete(c.fpToURL, fp)
		}
	}
	c.mu.Unlock()
	c.cacheInst.InvalidateKeys(keys)
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// Clear empties the whole cache.
func (c *Client) Clear() {
	if c.cacheInst != nil {
		c.cacheInst.Clear()
	}
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	return c.rt.Close()
}
