package http3

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"

	"github.com/menchan-Rub/quantum/quic"
)

// RoundTripper implements http.RoundTripper over this module's QUIC/
// HTTP-3 stack, dialing and caching one connection per origin the way
// net/http's Transport caches one connection pool per origin.
type RoundTripper struct {
	TLSClientConfig *tls.Config
	QUICConfig      *quic.Config

	DisableCompression bool
	EnableDatagrams     bool
	MaxResponseHeaderBytes int64
	AdditionalSettings     map[uint64]uint64

	// Dial overrides how a connection is established; nil uses
	// quic.DialAddrEarlyContext.
	Dial dialFunc

	mu      sync.Mutex
	clients map[string]*client
}

var _ http.RoundTripper = (*RoundTripper)(nil)

func (r *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("http3: nil request URL")
	}
	if req.URL.Scheme != "https" {
		return nil, fmt.Errorf("http3: unsupported scheme %q", req.URL.Scheme)
	}

	c, err := r.clientFor(hostnameFromRequest(req))
	if err != nil {
		return nil, err
	}
	return c.RoundTrip(req)
}

func (r *RoundTripper) clientFor(hostname string) (*client, error) {
	addr := authorityAddr("https", hostname)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[string]*client)
	}
	if c, ok := r.clients[addr]; ok {
		return c, nil
	}

	opts := &roundTripperOpts{
		DisableCompression: r.DisableCompression,
		EnableDatagram:     r.EnableDatagrams,
		MaxHeaderBytes:     r.MaxResponseHeaderBytes,
		AdditionalSettings: r.AdditionalSettings,
	}
	c, err := newClient(hostname, r.TLSClientConfig, opts, r.QUICConfig, r.Dial)
	if err != nil {
		return nil, err
	}
	r.clients[addr] = c
	return c, nil
}

// Used0RTT reports whether the connection to hostname completed its
// handshake with accepted early data.
func (r *RoundTripper) Used0RTT(hostname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[authorityAddr("https", hostname)]
	if !ok || c.conn == nil {
		return false
	}
	return c.conn.ConnectionState().Used0RTT
}

// Close tears down every cached connection.
func (r *RoundTripper) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for addr, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.clients, addr)
	}
	return firstErr
}
