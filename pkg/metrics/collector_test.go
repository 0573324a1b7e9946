package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// mockStatsProvider implements StatsProvider for testing
type mockStatsProvider struct {
	snap *Snapshot
	err  error
}

func (m *mockStatsProvider) MetricsSnapshot(ctx context.Context) (*Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.snap, nil
}

func TestCollectorPublishesSnapshot(t *testing.T) {
	BlacklistEntries.Reset()
	StatsDBKeys.Reset()

	provider := &mockStatsProvider{
		snap: &Snapshot{
			StatsDBKeys: map[string]int{"OneHourDB": 42},
			Blacklist:   map[string]int{"ip": 3, "login": 1},
			Whitelist:   map[string]int{"ip": 0},
			SendQueues:  map[string]int{"10.0.0.2:4001:udp": 7},
			RecvQueue:   2,
		},
	}

	collector := NewCollector(provider, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done

	if got := testutil.ToFloat64(StatsDBKeys.WithLabelValues("OneHourDB")); got != 42 {
		t.Errorf("Expected 42 keys, got %f", got)
	}
	if got := testutil.ToFloat64(BlacklistEntries.WithLabelValues("ip")); got != 3 {
		t.Errorf("Expected 3 ip entries, got %f", got)
	}
	if got := testutil.ToFloat64(ReplicationSendQueue.WithLabelValues("10.0.0.2:4001:udp")); got != 7 {
		t.Errorf("Expected queue 7, got %f", got)
	}
	if got := testutil.ToFloat64(ReplicationRecvQueue); got != 2 {
		t.Errorf("Expected recv queue 2, got %f", got)
	}
}

func TestCollectorWithError(t *testing.T) {
	provider := &mockStatsProvider{err: context.DeadlineExceeded}

	collector := NewCollector(provider, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	// Should not panic even with errors
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done
}

func TestCollectorStop(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{snap: &Snapshot{}}, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()
	collector.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{snap: &Snapshot{}}, 0)
	if collector.interval != 15*time.Second {
		t.Errorf("Expected default interval of 15s, got %v", collector.interval)
	}
}

func TestPublishResetsRemovedSiblings(t *testing.T) {
	Publish(&Snapshot{SendQueues: map[string]int{"a:4001:udp": 1, "b:4001:udp": 2}})
	Publish(&Snapshot{SendQueues: map[string]int{"a:4001:udp": 5}})

	if n := testutil.CollectAndCount(ReplicationSendQueue); n != 1 {
		t.Errorf("Expected one sibling series after reset, got %d", n)
	}
}
