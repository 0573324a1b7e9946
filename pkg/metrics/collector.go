package metrics

import (
	"context"
	"time"

	"github.com/migadu/warden/logger"
)

// Snapshot holds the sizes the collector publishes as gauges.
type Snapshot struct {
	StatsDBKeys map[string]int // db name -> keys
	Blacklist   map[string]int // entry type -> active entries
	Whitelist   map[string]int
	SendQueues  map[string]int // sibling -> queued messages
	RecvQueue   int
}

// StatsProvider is an interface for retrieving a state snapshot
type StatsProvider interface {
	MetricsSnapshot(ctx context.Context) (*Snapshot, error)
}

// Collector periodically copies state sizes into Prometheus gauges
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	snap, err := c.provider.MetricsSnapshot(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}
	Publish(snap)
}

// Publish writes a snapshot into the state gauges. Sibling queue gauges are
// reset first so removed siblings disappear from the exposition.
func Publish(snap *Snapshot) {
	for db, n := range snap.StatsDBKeys {
		StatsDBKeys.WithLabelValues(db).Set(float64(n))
	}
	for typ, n := range snap.Blacklist {
		BlacklistEntries.WithLabelValues(typ).Set(float64(n))
	}
	for typ, n := range snap.Whitelist {
		WhitelistEntries.WithLabelValues(typ).Set(float64(n))
	}
	ReplicationSendQueue.Reset()
	for sib, n := range snap.SendQueues {
		ReplicationSendQueue.WithLabelValues(sib).Set(float64(n))
	}
	ReplicationRecvQueue.Set(float64(snap.RecvQueue))
}
