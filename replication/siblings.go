package replication

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/retry"
)

// Siblings is the live set of replication peers, keyed by host:port.
type Siblings struct {
	ctx        context.Context
	defaultKey *[32]byte
	queueSize  int
	timeout    time.Duration
	backoff    retry.BackoffConfig

	mu      sync.RWMutex
	senders map[string]*sender
}

func newSiblings(ctx context.Context, defaultKey *[32]byte, queueSize int, timeout time.Duration, bo retry.BackoffConfig) *Siblings {
	return &Siblings{
		ctx:        ctx,
		defaultKey: defaultKey,
		queueSize:  queueSize,
		timeout:    timeout,
		backoff:    bo,
		senders:    make(map[string]*sender),
	}
}

// prepare fills the default key and resolves the sibling's addresses.
func (s *Siblings) prepare(sib Sibling) (Sibling, []netip.Addr, error) {
	if sib.Port == 0 {
		sib.Port = DefaultPort
	}
	if sib.Proto == "" {
		sib.Proto = UDP
	}
	if sib.Key == nil {
		sib.Key = s.defaultKey
	}
	if sib.Key == nil {
		return sib, nil, fmt.Errorf("%w %s", ErrNoKey, sib.Addr())
	}
	addrs, err := resolveHost(sib.Host)
	if err != nil {
		return sib, nil, err
	}
	return sib, addrs, nil
}

// Add starts replicating to sib, replacing any sibling at the same address.
func (s *Siblings) Add(sib Sibling) error {
	sib, addrs, err := s.prepare(sib)
	if err != nil {
		return err
	}
	snd := newSender(sib, addrs, s.queueSize, s.timeout, s.backoff)

	s.mu.Lock()
	old := s.senders[sib.Addr()]
	s.senders[sib.Addr()] = snd
	snd.start(s.ctx)
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	logger.Info("Replication: sibling added", "sibling", sib.String())
	return nil
}

// Remove stops replicating to host:port.
func (s *Siblings) Remove(host string, port int) error {
	addr := Sibling{Host: host, Port: port}.Addr()
	s.mu.Lock()
	snd, ok := s.senders[addr]
	delete(s.senders, addr)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownSibling, addr)
	}
	snd.stop()
	logger.Info("Replication: sibling removed", "sibling", addr)
	return nil
}

// Set replaces the whole set. Siblings whose address, protocol and key are
// unchanged keep their sender and queue. Nothing changes if any entry is
// invalid.
func (s *Siblings) Set(sibs []Sibling) error {
	type prepared struct {
		sib   Sibling
		addrs []netip.Addr
	}
	next := make(map[string]prepared, len(sibs))
	for _, sib := range sibs {
		p, addrs, err := s.prepare(sib)
		if err != nil {
			return err
		}
		next[p.Addr()] = prepared{p, addrs}
	}

	var stopped []*sender
	s.mu.Lock()
	for addr, snd := range s.senders {
		p, ok := next[addr]
		if ok && p.sib.Proto == snd.sib.Proto && *p.sib.Key == *snd.sib.Key {
			continue
		}
		delete(s.senders, addr)
		stopped = append(stopped, snd)
	}
	for addr, p := range next {
		if _, ok := s.senders[addr]; ok {
			continue
		}
		snd := newSender(p.sib, p.addrs, s.queueSize, s.timeout, s.backoff)
		s.senders[addr] = snd
		snd.start(s.ctx)
	}
	s.mu.Unlock()

	for _, snd := range stopped {
		snd.stop()
	}
	logger.Info("Replication: sibling set replaced", "count", len(next))
	return nil
}

// Has reports whether a sibling is replicated to at host:port.
func (s *Siblings) Has(host string, port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.senders[Sibling{Host: host, Port: port}.Addr()]
	return ok
}

// List returns the current siblings ordered by address.
func (s *Siblings) List() []Sibling {
	s.mu.RLock()
	out := make([]Sibling, 0, len(s.senders))
	for _, snd := range s.senders {
		out = append(out, snd.sib)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr() < out[j].Addr() })
	return out
}

// States maps each sibling address to its connection state.
func (s *Siblings) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.senders))
	for addr, snd := range s.senders {
		out[addr] = snd.State().String()
	}
	return out
}

// QueueSizes maps each sibling address to its pending message count.
func (s *Siblings) QueueSizes() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.senders))
	for addr, snd := range s.senders {
		out[addr] = snd.queueLen()
	}
	return out
}

func (s *Siblings) broadcast(m *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snd := range s.senders {
		snd.enqueue(m)
	}
}

// candidate is a sibling an inbound message may have come from.
type candidate struct {
	label string
	key   *[32]byte
}

// candidatesFor returns the siblings whose host resolves to src. Several
// siblings may share one address, so the caller tries each key.
func (s *Siblings) candidatesFor(src netip.Addr) []candidate {
	src = src.WithZone("").Unmap()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []candidate
	for addr, snd := range s.senders {
		for _, a := range snd.addrs {
			if a == src {
				out = append(out, candidate{label: addr, key: snd.sib.Key})
				break
			}
		}
	}
	return out
}

func (s *Siblings) stopAll() {
	s.mu.Lock()
	senders := s.senders
	s.senders = make(map[string]*sender)
	s.mu.Unlock()
	for _, snd := range senders {
		snd.stop()
	}
}
