package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/pkg/retry"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/statsdb"
)

// Applier applies mutations received from siblings. None of its methods may
// hand the mutation back to the replication sinks.
type Applier interface {
	ApplyStats(op statsdb.Op) error
	ApplyList(ctx context.Context, m policy.Mutation) error
	ApplyNamed(op statsdb.NamedOp)
}

// StoreApplier applies replicated mutations to the process state.
type StoreApplier struct {
	Stats     *statsdb.Store
	Blacklist *policy.List
	Whitelist *policy.List
	Named     *statsdb.NamedCounters
}

func (a *StoreApplier) ApplyStats(op statsdb.Op) error { return a.Stats.Apply(op) }

func (a *StoreApplier) ApplyList(ctx context.Context, m policy.Mutation) error {
	if m.List == policy.Whitelist {
		return a.Whitelist.ApplyReplicated(ctx, m)
	}
	return a.Blacklist.ApplyReplicated(ctx, m)
}

func (a *StoreApplier) ApplyNamed(op statsdb.NamedOp) { a.Named.Apply(op) }

// Replicator broadcasts local mutations to every sibling and applies the
// mutations siblings send.
type Replicator struct {
	nodeID  string
	boot    string
	seq     atomic.Uint64
	maxAge  time.Duration
	listen  string
	workers int

	applier  Applier
	siblings *Siblings
	receiver *receiver
	dedup    *dedup

	ctx    context.Context
	cancel context.CancelFunc
	stopMu sync.Mutex
}

// New builds a Replicator from configuration. Configured siblings are added
// immediately; Start begins receiving.
func New(cfg config.ReplicationConfig, applier Applier) (*Replicator, error) {
	key, err := config.DecodeKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("replication: %w", err)
	}
	timeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	maxAge, err := cfg.GetMaxMessageAge()
	if err != nil {
		return nil, err
	}
	initial, err := cfg.GetBackoffInitial()
	if err != nil {
		return nil, err
	}
	maxBackoff, err := cfg.GetBackoffMax()
	if err != nil {
		return nil, err
	}
	bo := retry.BackoffConfig{
		InitialInterval: initial,
		MaxInterval:     maxBackoff,
		Multiplier:      2.0,
		Jitter:          true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replicator{
		nodeID:  cfg.GetNodeID(),
		boot:    uuid.NewString(),
		maxAge:  maxAge,
		listen:  cfg.Listen,
		workers: cfg.GetWorkers(),
		applier: applier,
		dedup:   newDedup(),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.siblings = newSiblings(ctx, key, cfg.GetSendQueueSize(), timeout, bo)
	r.receiver = newReceiver(r, cfg.GetRecvQueueSize())

	for _, sc := range cfg.Siblings {
		sib, err := ParseSibling(sc.Address)
		if err != nil {
			cancel()
			return nil, err
		}
		if sib.Key, err = config.DecodeKey(sc.EncryptionKey); err != nil {
			cancel()
			return nil, fmt.Errorf("replication sibling %q: %w", sc.Address, err)
		}
		if err := r.siblings.Add(sib); err != nil {
			r.siblings.stopAll()
			cancel()
			return nil, err
		}
	}
	return r, nil
}

// Start binds the listeners, if configured, and starts the receive workers.
func (r *Replicator) Start() error {
	if r.listen != "" {
		if err := r.receiver.listen(r.listen); err != nil {
			return fmt.Errorf("replication: failed to listen on %s: %w", r.listen, err)
		}
	}
	r.receiver.start(r.ctx, r.workers)
	logger.Info("Replication started", "node_id", r.nodeID, "boot", r.boot, "siblings", len(r.siblings.List()))
	return nil
}

// Stop closes the listeners and stops every sender and worker.
func (r *Replicator) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	r.receiver.close()
	r.cancel()
	r.receiver.wait()
	r.siblings.stopAll()
	logger.Info("Replication stopped")
}

func (r *Replicator) NodeID() string { return r.nodeID }

// Addr returns the bound listen address, or nil before Start.
func (r *Replicator) Addr() net.Addr {
	if r.receiver.tcp == nil {
		return nil
	}
	return r.receiver.tcp.Addr()
}

func (r *Replicator) Siblings() *Siblings { return r.siblings }

func (r *Replicator) broadcast(m *Message) {
	m.Origin = r.nodeID
	m.Boot = r.boot
	m.Seq = r.seq.Add(1)
	m.Time = time.Now()
	r.siblings.broadcast(m)
}

// StatsSink is installed with statsdb.Store.SetSink.
func (r *Replicator) StatsSink(op statsdb.Op) { r.broadcast(&Message{Stats: &op}) }

// ListSink is installed with policy.List.SetSink.
func (r *Replicator) ListSink(m policy.Mutation) { r.broadcast(&Message{List: &m}) }

// NamedSink is installed with statsdb.NamedCounters.SetSink.
func (r *Replicator) NamedSink(op statsdb.NamedOp) { r.broadcast(&Message{Named: &op}) }

// AddSibling starts replicating to host:port. A nil key uses the default.
func (r *Replicator) AddSibling(host string, port int, proto Proto, key *[32]byte) error {
	return r.siblings.Add(Sibling{Host: host, Port: port, Proto: proto, Key: key})
}

func (r *Replicator) RemoveSibling(host string, port int) error {
	return r.siblings.Remove(host, port)
}

func (r *Replicator) HasSibling(host string, port int) bool {
	return r.siblings.Has(host, port)
}

func (r *Replicator) SetSiblings(sibs []Sibling) error {
	return r.siblings.Set(sibs)
}

// SiblingStates satisfies health.SiblingStateSource.
func (r *Replicator) SiblingStates() map[string]string { return r.siblings.States() }

func (r *Replicator) SendQueueSizes() map[string]int { return r.siblings.QueueSizes() }

func (r *Replicator) RecvQueueSize() int { return len(r.receiver.queue) }

// PruneDedup forgets origins not heard from within the max message age.
func (r *Replicator) PruneDedup(now time.Time) int {
	return r.dedup.prune(now, r.maxAge)
}

// process applies one received message and returns the metric result.
func (r *Replicator) process(ctx context.Context, m *Message) string {
	if m.Origin == r.nodeID {
		return "self"
	}
	now := time.Now()
	if r.maxAge > 0 && now.Sub(m.Time) > r.maxAge {
		metrics.ReplicationDuplicatesTotal.Inc()
		logger.Debug("Replication: dropped stale message", "origin", m.Origin, "seq", m.Seq, "age", now.Sub(m.Time))
		return "stale"
	}
	if !r.dedup.accept(m.Origin, m.Boot, m.Seq, now) {
		metrics.ReplicationDuplicatesTotal.Inc()
		return "duplicate"
	}

	var err error
	switch {
	case m.Stats != nil:
		err = r.applier.ApplyStats(*m.Stats)
	case m.List != nil:
		err = r.applier.ApplyList(ctx, *m.List)
	case m.Named != nil:
		r.applier.ApplyNamed(*m.Named)
	default:
		err = errors.New("empty message")
	}
	if err != nil {
		logger.Warn("Replication: failed to apply message", "origin", m.Origin, "kind", m.kind(), "error", err)
		return "failure"
	}
	return "success"
}
