package client

import "github.com/menchan-Rub/quantum/scheduler"

// DomainSnapshot is one host's entry in Stats()'s per-domain counters.
type DomainSnapshot = scheduler.Snapshot

// Stats is a point-in-time snapshot of every tracked domain's
// connection-quality bookkeeping plus cache occupancy. Prometheus counters
// (quantum_client_requests_total, quantum_client_ttfb_seconds,
// quantum_client_cache_hits_total/misses_total) are exported separately
// via the registry passed to prometheus scraping, not duplicated here.
type Stats struct {
	Domains          []DomainSnapshot
	CacheEntries     int
	CacheBytes       int64
}

// Stats returns a point-in-time snapshot across every host this client
// has ever connected to, plus current cache occupancy.
func (c *Client) Stats() Stats {
	hosts := c.sched.Stats().Hosts()
	domains := make([]DomainSnapshot, 0, len(hosts))
	for _, h := range hosts {
		domains = append(domains, c.sched.Stats().Snapshot(h))
	}
	s := Stats{Domains: domains}
	if c.cacheInst != nil {
		s.CacheEntries = c.cacheInst.Len()
		s.CacheBytes = c.cacheInst.Bytes()
	}
	return s
}
