package statsdb

import "sync"

// NamedOp is a mutation of a named counter.
type NamedOp struct {
	Name  string
	Key   string
	Reset bool
}

// NamedCounters are plain per-key counters driven by explicit commands
// (incLogins, countLogins, resetLogins). They do not age out.
type NamedCounters struct {
	mu     sync.Mutex
	values map[string]map[string]int64

	sinkMu sync.RWMutex
	sink   func(NamedOp)
}

func NewNamedCounters() *NamedCounters {
	return &NamedCounters{values: make(map[string]map[string]int64)}
}

func (n *NamedCounters) SetSink(sink func(NamedOp)) {
	n.sinkMu.Lock()
	n.sink = sink
	n.sinkMu.Unlock()
}

// Inc increments name/key and returns the new value.
func (n *NamedCounters) Inc(name, key string) int64 {
	v := n.apply(NamedOp{Name: name, Key: key})
	n.emit(NamedOp{Name: name, Key: key})
	return v
}

func (n *NamedCounters) Get(name, key string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.values[name][key]
}

// Reset sets name/key back to zero.
func (n *NamedCounters) Reset(name, key string) {
	n.apply(NamedOp{Name: name, Key: key, Reset: true})
	n.emit(NamedOp{Name: name, Key: key, Reset: true})
}

// Apply performs a replicated op without re-emitting it.
func (n *NamedCounters) Apply(op NamedOp) {
	n.apply(op)
}

func (n *NamedCounters) apply(op NamedOp) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.values[op.Name]
	if op.Reset {
		if ok {
			delete(m, op.Key)
		}
		return 0
	}
	if !ok {
		m = make(map[string]int64)
		n.values[op.Name] = m
	}
	m[op.Key]++
	return m[op.Key]
}

func (n *NamedCounters) emit(op NamedOp) {
	n.sinkMu.RLock()
	sink := n.sink
	n.sinkMu.RUnlock()
	if sink != nil {
		sink(op)
	}
}

// Snapshot returns the counters held for key, by name.
func (n *NamedCounters) Snapshot(key string) map[string]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int64)
	for name, m := range n.values {
		if v, ok := m[key]; ok {
			out[name] = v
		}
	}
	return out
}
