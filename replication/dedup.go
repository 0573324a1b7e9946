package replication

import (
	"sync"
	"time"
)

const replayWindow = 1024

// replayState is a sliding anti-replay window for one (origin, boot).
type replayState struct {
	top      uint64
	bits     [replayWindow / 64]uint64
	lastSeen time.Time
}

func (r *replayState) bit(seq uint64) (word int, mask uint64) {
	i := seq % replayWindow
	return int(i / 64), 1 << (i % 64)
}

// accept reports whether seq is new and records it.
func (r *replayState) accept(seq uint64) bool {
	if seq > r.top {
		if seq-r.top >= replayWindow {
			r.bits = [replayWindow / 64]uint64{}
		} else {
			for s := r.top + 1; s < seq; s++ {
				w, m := r.bit(s)
				r.bits[w] &^= m
			}
		}
		r.top = seq
		w, m := r.bit(seq)
		r.bits[w] |= m
		return true
	}
	if r.top-seq >= replayWindow {
		return false
	}
	w, m := r.bit(seq)
	if r.bits[w]&m != 0 {
		return false
	}
	r.bits[w] |= m
	return true
}

// dedup tracks the replay windows of every origin heard from.
type dedup struct {
	mu     sync.Mutex
	states map[string]*replayState
}

func newDedup() *dedup {
	return &dedup{states: make(map[string]*replayState)}
}

func (d *dedup) accept(origin, boot string, seq uint64, now time.Time) bool {
	k := origin + "|" + boot
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[k]
	if !ok {
		st = &replayState{}
		d.states[k] = st
	}
	st.lastSeen = now
	return st.accept(seq)
}

// prune drops windows not heard from within maxAge.
func (d *dedup) prune(now time.Time, maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, st := range d.states {
		if now.Sub(st.lastSeen) > maxAge {
			delete(d.states, k)
			n++
		}
	}
	return n
}

func (d *dedup) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}
