// Package cache implements the request-fingerprint response cache:
// at-most-one-concurrent-populate per fingerprint, TTL
// computed from Cache-Control/Expires/default, and LRU eviction under
// dual (entry count, total bytes) bounds.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is everything needed to replay a cached response without a
// network round trip.
type Entry struct {
	Status        int
	Header        http.Header
	Body          []byte
	ContentType   string
	ETag          string
	LastModified  string
	Expires       time.Time
	LastAccess    time.Time
	Size          int64
}

// Fingerprint computes the cache key: a normalized
// scheme+host+port+path tuple, optionally including the query string.
func Fingerprint(rawURL string, includeQuery bool) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + ":" + port + path
	if includeQuery && u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const defaultTTL = 24 * time.Hour

// ExpiresFrom computes an entry's Expires time from response headers:
// Cache-Control max-age, else the Expires header, else
// defaultTTLOverride (falls back to 24h when zero).
func ExpiresFrom(header http.Header, now time.Time, defaultTTLOverride time.Duration) time.Time {
	if cc := header.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(directive)
			if strings.HasPrefix(strings.ToLower(directive), "max-age=") {
				secs := strings.TrimPrefix(directive, directive[:strings.Index(directive, "=")+1])
				if n, err := strconv.Atoi(strings.TrimSpace(secs)); err == nil {
					return now.Add(time.Duration(n) * time.Second)
				}
			}
		}
	}
	if exp := header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t
		}
	}
	ttl := defaultTTLOverride
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return now.Add(ttl)
}

// IsCacheable decides what may be deposited into the cache: GET/HEAD
// with a heuristically-cacheable status (RFC 9110 §15.1).
func IsCacheable(method string, status int) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	switch status {
	case 200, 203, 204, 206, 300, 301, 404, 405, 410, 414, 501:
		return true
	default:
		return false
	}
}

// join is the at-most-one-populate coordination point for a single
// fingerprint: the first caller for a fingerprint runs populate; every
// concurrent caller for the same fingerprint awaits its result instead
// of issuing a second network request.
type join struct {
	done   chan struct{}
	entry  *Entry
	err    error
}

// Cache is the fingerprint-keyed facade: LRU eviction under dual
// (entry-count, total-bytes) bounds backed by golang-lru, plus a small
// single-flight join map for concurrent misses.
type Cache struct {
	maxBytes   int64
	lru        *lru.Cache[string, *Entry]

	mu        sync.Mutex
	totalBytes int64
	joins     map[string]*join
}

// New constructs a Cache bounded by maxEntries and maxBytes. maxBytes
// may be 0 to leave the byte dimension unbounded; a maxEntries of 0 or
// less is raised to 1, so the entry count is always bounded.
func New(maxEntries int, maxBytes int64) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &Cache{maxBytes: maxBytes, joins: make(map[string]*join)}
	c.lru, _ = lru.NewWithEvict[string, *Entry](maxEntries, c.onEvict)
	return c
}

func (c *Cache) onEvict(_ string, e *Entry) {
	c.mu.Lock()
	c.totalBytes -= e.Size
	c.mu.Unlock()
}

// Get returns a non-expired entry for fingerprint, bumping its
// last-access time (LRU recency is tracked by the underlying lru.Cache
// itself via Get).
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.Expires) {
		c.Invalidate(fingerprint)
		return nil, false
	}
	e.LastAccess = time.Now()
	return e, true
}

// Put inserts or replaces the entry for fingerprint, evicting
// least-recently-accessed entries until both count and byte bounds are
// satisfied.
func (c *Cache) Put(fingerprint string, e *Entry) {
	e.Size = int64(len(e.Body))
	if old, ok := c.lru.Peek(fingerprint); ok {
		c.mu.Lock()
		c.totalBytes -= old.Size
		c.mu.Unlock()
	}
	c.lru.Add(fingerprint, e)
	c.mu.Lock()
	c.totalBytes += e.Size
	c.mu.Unlock()
	c.enforceByteBound()
}

func (c *Cache) enforceByteBound() {
	if c.maxBytes <= 0 {
		return
	}
	for {
		c.mu.Lock()
		over := c.totalBytes > c.maxBytes
		c.mu.Unlock()
		if !over {
			return
		}
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// Invalidate removes a single fingerprint's entry.
func (c *Cache) Invalidate(fingerprint string) {
	c.lru.Remove(fingerprint)
}

// InvalidateKeys removes the entry of every listed fingerprint. Since
// fingerprints are content-addressed hashes, origin invalidation is
// implemented by the client facade tracking fingerprint→URL and passing
// the fingerprints under one origin here (see
// client.Client.InvalidateOrigin), so this helper only provides the
// bulk-remove-by-keys primitive.
func (c *Cache) InvalidateKeys(fingerprints []string) {
	for _, fp := range fingerprints {
		c.lru.Remove(fp)
	}
}

// Clear removes every cached entry.
func (c *Cache) Clear() {
	c.lru.Purge()
	c.mu.Lock()
	c.totalBytes = 0
	c.mu.Unlock()
}

// Len returns the current entry count, for telemetry.
func (c *Cache) Len() int { return c.lru.Len() }

// Bytes returns the current total cached byte count, for telemetry.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// PopulateFunc fetches the entry for fingerprint on a cache miss.
type PopulateFunc func() (*Entry, error)

// GetOrPopulate is the at-most-one-populate entry point: a cache hit
// returns immediately; on a miss, exactly one populate call
// runs per fingerprint even under concurrent callers, and every caller
// receives the same resulting entry (or error).
func (c *Cache) GetOrPopulate(fingerprint string, populate PopulateFunc) (*Entry, error) {
	if e, ok := c.Get(fingerprint); ok {
		return e, nil
	}

	c.mu.Lock()
	if j, ok := c.joins[fingerprint]; ok {
		c.mu.Unlock()
		<-j.done
		return j.entry, j.err
	}
	j := &join{done: make(chan struct{})}
	c.joins[fingerprint] = j
	c.mu.Unlock()

	e, err := populate()
	if err == nil {
		c.Put(fingerprint, e)
	}

	j.entry, j.err = e, err
	close(j.done)

	c.mu.Lock()
	delete(c.joins, fingerprint)
	c.mu.Unlock()

	return e, err
}
