package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/scheduler"
)

func TestPriorityClassMapping(t *testing.T) {
	cases := map[scheduler.ResourceType]scheduler.PriorityClass{
		scheduler.ResourceDocument:   scheduler.PriorityCritical,
		scheduler.ResourceStylesheet: scheduler.PriorityHigh,
		scheduler.ResourceScript:     scheduler.PriorityHigh,
		scheduler.ResourceFont:       scheduler.PriorityHigh,
		scheduler.ResourceImage:      scheduler.PriorityNormal,
		scheduler.ResourceMedia:      scheduler.PriorityNormal,
		scheduler.ResourceFetch:      scheduler.PriorityLow,
		scheduler.ResourceXHR:        scheduler.PriorityLow,
		scheduler.ResourceOther:      scheduler.PriorityBackground,
	}
	for rt, want := range cases {
		require.Equal(t, want, scheduler.PriorityClassFor(rt), "resource type %v", rt)
	}
}

func TestWeightClampedToBounds(t *testing.T) {
	w := scheduler.Weight(scheduler.ResourceDocument, 1.0, true, 2.0)
	require.LessOrEqual(t, w, 10.0)
	require.GreaterOrEqual(t, w, 0.1)

	// Document(10) * quality(1.0) * viewport(2) * prediction(2.0) = 40, clamped to 10.
	require.Equal(t, 10.0, w)

	w = scheduler.Weight(scheduler.ResourceOther, 0.3, false, 0.2)
	require.Equal(t, 0.1, w)
}

func TestWeightViewportBoost(t *testing.T) {
	inView := scheduler.Weight(scheduler.ResourceImage, 0.5, true, 1.0)
	outView := scheduler.Weight(scheduler.ResourceImage, 0.5, false, 1.0)
	require.Greater(t, inView, outView)
	require.InDelta(t, outView*2, inView, 0.001)
}

func TestDomainStatsConnectionQualityDefaultsBest(t *testing.T) {
	store := scheduler.NewDomainStatsStore()
	require.Equal(t, 1.0, store.ConnectionQuality("example.test"))
}

func TestDomainStatsConnectionQualityDegradesWithTTFBAndFailures(t *testing.T) {
	store := scheduler.NewDomainStatsStore()
	store.RecordConnect("example.test", time.Now())
	for i := 0; i < 5; i++ {
		store.RecordRequest("example.test", 900*time.Millisecond, i%2 == 0)
	}
	q := store.ConnectionQuality("example.test")
	require.Less(t, q, 1.0)
	require.GreaterOrEqual(t, q, 0.3)
}

func TestSchedulerAssign(t *testing.T) {
	s := scheduler.New(nil)
	a := s.Assign("example.test", scheduler.Request{Type: scheduler.ResourceDocument, InViewport: true}, 1.0)
	require.Equal(t, scheduler.PriorityCritical, a.Priority)
	require.Greater(t, a.Weight, 0.0)
}
