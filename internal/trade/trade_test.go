package trade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []int64
	exits   []int64
	stats   []float64
}

func (s *recordingSink) RecordEntry(_ context.Context, contractID int64, _ string, _ float64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, contractID)
	return nil
}

func (s *recordingSink) RecordExit(_ context.Context, contractID int64, _, _, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, contractID)
	return nil
}

func (s *recordingSink) UpsertDailyStat(_ context.Context, _ string, profitDelta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, profitDelta)
	return nil
}

func TestTrackerOpenThenClose(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink, NopBroadcaster{})

	tr.Open(context.Background(), 42, "R_100", 100.0, time.Now(), "SPIKE_ENTRY")
	require.Equal(t, 1, tr.Count())

	rec, ok := tr.Close(context.Background(), 42, 110.0, 10.0, 1010.0, time.Now())
	require.True(t, ok)
	require.Equal(t, StatusClosed, rec.Status)
	require.Equal(t, 0, tr.Count())
	require.Equal(t, []int64{42}, sink.entries)
	require.Equal(t, []int64{42}, sink.exits)
	require.Equal(t, []float64{10.0}, sink.stats)
}

func TestTrackerCloseIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink, NopBroadcaster{})
	tr.Open(context.Background(), 1, "R_100", 100.0, time.Now(), "SPIKE_ENTRY")

	_, first := tr.Close(context.Background(), 1, 105.0, 5.0, 1005.0, time.Now())
	require.True(t, first)

	_, second := tr.Close(context.Background(), 1, 999.0, 999.0, 999.0, time.Now())
	require.False(t, second, "a second close for the same contract must be a no-op")
	require.Len(t, sink.exits, 1)
}

func TestTrackerCloseUnknownContractIsNoOp(t *testing.T) {
	tr := NewTracker(&recordingSink{}, NopBroadcaster{})
	_, ok := tr.Close(context.Background(), 999, 1, 1, 1, time.Now())
	require.False(t, ok)
}

func TestOpenContractsSnapshot(t *testing.T) {
	tr := NewTracker(NopSink{}, NopBroadcaster{})
	tr.Open(context.Background(), 1, "R_100", 100, time.Now(), "SPIKE_ENTRY")
	tr.Open(context.Background(), 2, "R_100", 101, time.Now(), "SPIKE_ENTRY")
	ids := tr.OpenContracts()
	require.ElementsMatch(t, []int64{1, 2}, ids)
}
