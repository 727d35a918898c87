package earlydata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshTicket(origin string) *Ticket {
	return &Ticket{
		Origin:        origin,
		IssuedAt:      time.Now(),
		Lifetime:      time.Hour,
		SessionTicket: []byte("ticket"),
	}
}

func TestNoTicketNoEarlyData(t *testing.T) {
	m := NewManager(16)
	require.False(t, m.MayAttempt0RTT("example.test:443"))
}

func TestTicketAuthorizesEarlyData(t *testing.T) {
	m := NewManager(16)
	m.StoreTicket(freshTicket("example.test:443"))
	require.True(t, m.MayAttempt0RTT("example.test:443"))
}

func TestExpiredTicketIsRejected(t *testing.T) {
	m := NewManager(16)
	tk := freshTicket("example.test:443")
	tk.IssuedAt = time.Now().Add(-2 * time.Hour)
	m.StoreTicket(tk)
	require.False(t, m.MayAttempt0RTT("example.test:443"))
	_, ok := m.LookupTicket("example.test:443")
	require.False(t, ok, "expired tickets are evicted on lookup")
}

func TestRejectionMakesOriginFallbackOnly(t *testing.T) {
	m := NewManager(16)
	m.StoreTicket(freshTicket("example.test:443"))
	require.True(t, m.MayAttempt0RTT("example.test:443"))

	m.RecordRejected("example.test:443")
	m.StoreTicket(freshTicket("example.test:443"))
	require.False(t, m.MayAttempt0RTT("example.test:443"), "a rejected origin stays 1-RTT-only this session")

	accepted, rejected := m.Stats("example.test:443")
	require.Zero(t, accepted)
	require.Equal(t, 1, rejected)
}

func TestRateLimitPerOrigin(t *testing.T) {
	m := NewManager(16)
	m.StoreTicket(freshTicket("example.test:443"))
	granted := 0
	for i := 0; i < maxAttemptsPerMinute+3; i++ {
		if m.MayAttempt0RTT("example.test:443") {
			granted++
		}
	}
	require.Equal(t, maxAttemptsPerMinute, granted)
}

func TestIsSafeForEarlyData(t *testing.T) {
	require.True(t, IsSafeForEarlyData("GET"))
	require.True(t, IsSafeForEarlyData("HEAD"))
	require.False(t, IsSafeForEarlyData("POST"))
	require.False(t, IsSafeForEarlyData("DELETE"))
}
