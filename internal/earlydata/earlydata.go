// Package earlydata implements the 0-RTT session-ticket store and replay
// policy: it decides whether a (host, port) is currently
// authorized to attempt 0-RTT, and records the outcome so repeated
// rejections fall back to 1-RTT-only.
package earlydata

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Ticket is a cached TLS session ticket plus the transport parameters the
// server advertised alongside it, everything needed to attempt 0-RTT on
// the next connection to the same origin.
type Ticket struct {
	Origin              string
	IssuedAt            time.Time
	Lifetime            time.Duration
	CipherSuite         uint16
	SessionTicket       []byte
	TransportParameters []byte
	ReplayNonce         uint64
}

func (t *Ticket) expired(now time.Time) bool {
	return now.Sub(t.IssuedAt) > t.Lifetime
}

// originState is the per-origin policy bookkeeping:
// whether 0-RTT has previously been rejected this session, and a simple
// rate limit on attempts.
type originState struct {
	mu              sync.Mutex
	rejectedBefore  bool
	attemptsThisMin int
	windowStart     time.Time
	successCount    int
	rejectCount     int
}

const maxAttemptsPerMinute = 5

// Manager is the early-data manager: a ticket store plus per-origin
// policy state, constructed with an explicit lifecycle and passed by
// reference into the client and its connections; there are no
// process-wide singletons.
type Manager struct {
	tickets *lru.Cache[string, *Ticket]

	statesMu sync.Mutex
	states   map[string]*originState
}

// NewManager creates an early-data manager caching up to capacity
// tickets (one per origin, evicted LRU).
func NewManager(capacity int) *Manager {
	c, _ := lru.New[string, *Ticket](capacity)
	return &Manager{
		tickets: c,
		states:  make(map[string]*originState),
	}
}

// StoreTicket records a newly-issued session ticket for future 0-RTT
// attempts to origin.
func (m *Manager) StoreTicket(t *Ticket) {
	m.tickets.Add(t.Origin, t)
}

// LookupTicket returns a cached, non-expired ticket for origin, if any.
func (m *Manager) LookupTicket(origin string) (*Ticket, bool) {
	t, ok := m.tickets.Get(origin)
	if !ok {
		return nil, false
	}
	if t.expired(time.Now()) {
		m.tickets.Remove(origin)
		return nil, false
	}
	return t, true
}

// MayAttempt0RTT decides whether a 0-RTT attempt to origin is currently
// authorized: a ticket must exist and not be expired, the origin must
// not have rejected 0-RTT already this session, and the per-origin rate
// limit must not be exhausted.
func (m *Manager) MayAttempt0RTT(origin string) bool {
	if _, ok := m.LookupTicket(origin); !ok {
		return false
	}
	st := m.stateFor(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rejectedBefore {
		return false
	}
	now := time.Now()
	if now.Sub(st.windowStart) > time.Minute {
		st.windowStart = now
		st.attemptsThisMin = 0
	}
	if st.attemptsThisMin >= maxAttemptsPerMinute {
		return false
	}
	st.attemptsThisMin++
	return true
}

// RecordAccepted marks a successful 0-RTT round trip for origin.
func (m *Manager) RecordAccepted(origin string) {
	st := m.stateFor(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.successCount++
}

// RecordRejected marks a 0-RTT rejection for origin; subsequent
// MayAttempt0RTT calls this session return false, so a rejecting origin
// becomes 1-RTT-only. The rejected
// ticket (if any) is evicted so a later ClientHello doesn't retry it.
func (m *Manager) RecordRejected(origin string) {
	st := m.stateFor(origin)
	st.mu.Lock()
	st.rejectedBefore = true
	st.rejectCount++
	st.mu.Unlock()
	m.tickets.Remove(origin)
}

// Stats returns accepted/rejected counts for origin, for telemetry.
func (m *Manager) Stats(origin string) (accepted, rejected int) {
	st := m.stateFor(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.successCount, st.rejectCount
}

func (m *Manager) stateFor(origin string) *originState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	st, ok := m.states[origin]
	if !ok {
		st = &originState{windowStart: time.Now()}
		m.states[origin] = st
	}
	return st
}

// IsSafeForEarlyData reports whether method may ride in a 0-RTT packet:
// only GET and HEAD, since early data carries no replay protection.
func IsSafeForEarlyData(method string) bool {
	return method == "GET" || method == "HEAD"
}
