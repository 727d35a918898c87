package cache_test

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/cache"
)

func TestFingerprintNormalizesSchemeHostPortPath(t *testing.T) {
	a := cache.Fingerprint("https://Example.test/a/b", false)
	b := cache.Fingerprint("https://example.test:443/a/b", false)
	require.Equal(t, a, b)

	c := cache.Fingerprint("https://example.test/a/b?x=1", false)
	require.Equal(t, a, c, "query is ignored when includeQuery is false")

	d := cache.Fingerprint("https://example.test/a/b?x=1", true)
	require.NotEqual(t, a, d)
}

func TestExpiresFromCacheControlMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{"Cache-Control": {"max-age=60"}}
	exp := cache.ExpiresFrom(h, now, time.Hour)
	require.Equal(t, now.Add(60*time.Second), exp)
}

func TestExpiresFromFallsBackToDefault(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := cache.ExpiresFrom(http.Header{}, now, time.Hour)
	require.Equal(t, now.Add(time.Hour), exp)
}

func TestIsCacheable(t *testing.T) {
	require.True(t, cache.IsCacheable(http.MethodGet, 200))
	require.True(t, cache.IsCacheable(http.MethodHead, 404))
	require.False(t, cache.IsCacheable(http.MethodPost, 200))
	require.False(t, cache.IsCacheable(http.MethodGet, 500))
}

func TestCacheGetPutInvalidate(t *testing.T) {
	c := cache.New(10, 1<<20)
	fp := cache.Fingerprint("https://example.test/a", false)

	_, ok := c.Get(fp)
	require.False(t, ok)

	c.Put(fp, &cache.Entry{Status: 200, Header: http.Header{}, Body: []byte("hello"), Expires: time.Now().Add(time.Hour)})
	e, ok := c.Get(fp)
	require.True(t, ok)
	require.Equal(t, "hello", string(e.Body))

	c.Invalidate(fp)
	_, ok = c.Get(fp)
	require.False(t, ok)
}

func TestCacheExpiredEntryIsEvictedOnGet(t *testing.T) {
	c := cache.New(10, 1<<20)
	fp := cache.Fingerprint("https://example.test/a", false)
	c.Put(fp, &cache.Entry{Status: 200, Header: http.Header{}, Body: []byte("x"), Expires: time.Now().Add(-time.Second)})
	_, ok := c.Get(fp)
	require.False(t, ok)
}

func TestCacheEvictsUnderByteBound(t *testing.T) {
	c := cache.New(100, 10)
	c.Put("a", &cache.Entry{Status: 200, Header: http.Header{}, Body: make([]byte, 6), Expires: time.Now().Add(time.Hour)})
	c.Put("b", &cache.Entry{Status: 200, Header: http.Header{}, Body: make([]byte, 6), Expires: time.Now().Add(time.Hour)})

	require.LessOrEqual(t, c.Bytes(), int64(10))
	_, stillThere := c.Get("b")
	require.True(t, stillThere, "most recently put entry should survive eviction")
}

func TestCacheAtMostOnePopulate(t *testing.T) {
	c := cache.New(10, 1<<20)
	fp := cache.Fingerprint("https://example.test/shared", false)

	var calls int32
	var wg sync.WaitGroup
	results := make([]*cache.Entry, 20)
	errs := make([]error, 20)

	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e, err := c.GetOrPopulate(fp, func() (*cache.Entry, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return &cache.Entry{Status: 200, Header: http.Header{}, Body: []byte("network"), Expires: time.Now().Add(time.Hour)}, nil
			})
			results[i] = e
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, calls, "exactly one network request for a concurrent fingerprint")
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "network", string(results[i].Body))
	}
}
