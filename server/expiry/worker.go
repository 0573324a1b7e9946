// Package expiry runs the background scheduler that ages out policy
// entries, idle counter keys and replication dedup state. On the cluster
// leader it also purges expired rows from the persistence backend, so a
// shared database is cleaned by exactly one node.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
)

// ListPurger removes expired entries from a policy list.
type ListPurger interface {
	Purge() []policy.Entry
}

// Sweeper removes idle keys from a stats DB and trims it to size.
type Sweeper interface {
	Name() string
	Sweep() (expired, trimmed int)
}

// DedupPruner forgets replication origins that have gone quiet.
type DedupPruner interface {
	PruneDedup(now time.Time) int
}

// PersistencePurger deletes expired rows from durable storage.
type PersistencePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// LeaderChecker reports whether this node should run cluster-wide work.
type LeaderChecker interface {
	IsLeader() bool
}

// Options wire the worker to the components it maintains. Only Lists and
// Sweepers are required.
type Options struct {
	Lists                []ListPurger
	Sweepers             []Sweeper
	Dedup                DedupPruner
	Persister            PersistencePurger
	Leader               LeaderChecker // nil means this node always purges persistence
	Interval             time.Duration
	PersistPurgeInterval time.Duration
	Now                  func() time.Time
}

type Worker struct {
	opts Options

	lastPersistPurge time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.PersistPurgeInterval <= 0 {
		opts.PersistPurgeInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{opts: opts}
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logger.Info("Expiry worker starting", "interval", w.opts.Interval, "persist_purge_interval", w.opts.PersistPurgeInterval)
	go w.loop(ctx, w.stopCh, w.doneCh)
}

func (w *Worker) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Expiry worker stopped due to context cancellation")
			return
		case <-stop:
			logger.Info("Expiry worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop signals the worker and waits for the current pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

// Result summarizes one pass.
type Result struct {
	ListsExpired  int
	KeysExpired   int
	KeysTrimmed   int
	OriginsPruned int
	RowsPurged    int64
	PersistPurged bool
}

// RunOnce performs a single pass. A failing step is logged and does not
// stop the others.
func (w *Worker) RunOnce(ctx context.Context) Result {
	var res Result
	now := w.opts.Now()

	for _, l := range w.opts.Lists {
		res.ListsExpired += len(l.Purge())
	}
	metrics.ExpirySweepsTotal.WithLabelValues("lists").Inc()

	for _, s := range w.opts.Sweepers {
		expired, trimmed := s.Sweep()
		res.KeysExpired += expired
		res.KeysTrimmed += trimmed
		if trimmed > 0 {
			logger.Debug("Stats DB trimmed to max size", "db", s.Name(), "trimmed", trimmed)
		}
	}
	metrics.ExpirySweepsTotal.WithLabelValues("statsdb").Inc()

	if w.opts.Dedup != nil {
		res.OriginsPruned = w.opts.Dedup.PruneDedup(now)
		metrics.ExpirySweepsTotal.WithLabelValues("dedup").Inc()
	}

	if w.opts.Persister != nil && now.Sub(w.lastPersistPurge) >= w.opts.PersistPurgeInterval {
		if w.opts.Leader == nil || w.opts.Leader.IsLeader() {
			w.lastPersistPurge = now
			n, err := w.opts.Persister.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn("Expiry: failed to purge persistence backend", "error", err)
			} else {
				res.RowsPurged = n
				res.PersistPurged = true
				metrics.ExpirySweepsTotal.WithLabelValues("persistence").Inc()
				if n > 0 {
					logger.Info("Expiry: purged expired persistent entries", "count", n)
				}
			}
		}
	}

	if res.ListsExpired > 0 || res.KeysExpired > 0 {
		logger.Debug("Expiry pass", "list_entries", res.ListsExpired, "keys", res.KeysExpired, "trimmed", res.KeysTrimmed)
	}
	return res
}
