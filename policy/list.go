package policy

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
)

// Options configures a List.
type Options struct {
	Persister         Persister // nil disables persistence
	Persist           bool      // persist local mutations
	PersistReplicated bool      // persist mutations received from siblings
	Timeout           time.Duration
	Messages          map[Type]string // overrides of the default return messages
}

// List is one blacklist or whitelist. It is safe for concurrent use.
type List struct {
	kind Kind
	opts Options

	mu    sync.RWMutex
	nets  *netGroup
	exact map[Type]map[string]*Entry

	now    func() time.Time
	sink   func(Mutation)
	events func(Event)
	msgs   map[Type]string
}

func New(kind Kind, opts Options) *List {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	l := &List{
		kind:  kind,
		opts:  opts,
		nets:  newNetGroup(),
		exact: make(map[Type]map[string]*Entry),
		now:   time.Now,
		msgs:  defaultMessages(kind),
	}
	for _, t := range []Type{TypeLogin, TypeIPLogin, TypeJA3, TypeIPJA3} {
		l.exact[t] = make(map[string]*Entry)
	}
	for t, m := range opts.Messages {
		l.msgs[t] = m
	}
	return l
}

func defaultMessages(kind Kind) map[Type]string {
	if kind == Whitelist {
		return map[Type]string{
			TypeIP:      "Whitelisted IP Address",
			TypeLogin:   "Whitelisted Login Name",
			TypeIPLogin: "Whitelisted IP/Login Tuple",
			TypeJA3:     "Whitelisted JA3",
			TypeIPJA3:   "Whitelisted IP/JA3 Tuple",
		}
	}
	return map[Type]string{
		TypeIP:      "Temporarily blacklisted IP Address - try again later",
		TypeLogin:   "Temporarily blacklisted Login Name - try again later",
		TypeIPLogin: "Temporarily blacklisted IP/Login Tuple - try again later",
		TypeJA3:     "Temporarily blacklisted JA3 - try again later",
		TypeIPJA3:   "Temporarily blacklisted IP/JA3 Tuple - try again later",
	}
}

func (l *List) Kind() Kind { return l.kind }

// Message is the text returned to clients when an entry of type t matches.
func (l *List) Message(t Type) string { return l.msgs[t] }

// SetClock replaces the time source.
func (l *List) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetSink installs the receiver of locally originated mutations.
func (l *List) SetSink(sink func(Mutation)) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// SetEventHandler installs the receiver of add, delete and expire events.
func (l *List) SetEventHandler(fn func(Event)) {
	l.mu.Lock()
	l.events = fn
	l.mu.Unlock()
}

func (l *List) eventName(op string) string { return op + l.kind.short() }

// Add inserts or replaces an entry that expires after ttl. Persistent lists
// write the entry through before returning; if that fails the list is left
// as it was.
func (l *List) Add(ctx context.Context, t Type, key string, ttl time.Duration, reason string) error {
	if ttl <= 0 {
		return ErrInvalidExpiry
	}
	key, err := canonicalKey(t, key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	e := &Entry{Type: t, Key: key, Reason: reason, Created: now, Expires: now.Add(ttl), Persistent: l.persistLocal()}
	prev := l.put(e)
	sink, events := l.sink, l.events
	l.mu.Unlock()

	if e.Persistent {
		if err := l.save(ctx, *e); err != nil {
			l.restore(e, prev)
			return fmt.Errorf("persisting %s entry %q: %w", t, key, err)
		}
	}

	logger.Info("Policy entry added", "list", l.kind, "type", t, "key", key, "expire_secs", int64(ttl/time.Second), "reason", reason)
	if sink != nil {
		sink(Mutation{List: l.kind, Op: OpAdd, Type: t, Key: key, Reason: reason, Expires: e.Expires})
	}
	if events != nil {
		events(Event{Name: l.eventName("add"), List: l.kind, Entry: *e, At: now})
	}
	return nil
}

// Delete removes an entry immediately. An expired entry counts as absent.
func (l *List) Delete(ctx context.Context, t Type, key string) error {
	key, err := canonicalKey(t, key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev, ok := l.lookupExact(t, key)
	if !ok || !prev.Active(l.now()) {
		if ok {
			l.drop(prev)
		}
		l.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrNotFound, t, key)
	}
	l.drop(prev)
	now := l.now()
	sink, events := l.sink, l.events
	l.mu.Unlock()

	if l.persistLocal() {
		if err := l.remove(ctx, t, key); err != nil {
			l.restore(nil, prev)
			return fmt.Errorf("removing persisted %s entry %q: %w", t, key, err)
		}
	}

	logger.Info("Policy entry deleted", "list", l.kind, "type", t, "key", key)
	if sink != nil {
		sink(Mutation{List: l.kind, Op: OpDelete, Type: t, Key: key})
	}
	if events != nil {
		events(Event{Name: l.eventName("del"), List: l.kind, Entry: *prev, At: now})
	}
	return nil
}

// ApplyReplicated performs a mutation received from a sibling. It neither
// re-emits the mutation nor fires events.
func (l *List) ApplyReplicated(ctx context.Context, m Mutation) error {
	key, err := canonicalKey(m.Type, m.Key)
	if err != nil {
		return err
	}
	persist := l.opts.Persister != nil && l.opts.PersistReplicated

	switch m.Op {
	case OpAdd:
		l.mu.Lock()
		now := l.now()
		if !now.Before(m.Expires) {
			l.mu.Unlock()
			return nil
		}
		e := &Entry{Type: m.Type, Key: key, Reason: m.Reason, Created: now, Expires: m.Expires, Persistent: persist}
		prev := l.put(e)
		l.mu.Unlock()
		if persist {
			if err := l.save(ctx, *e); err != nil {
				l.restore(e, prev)
				return err
			}
		}
	case OpDelete:
		l.mu.Lock()
		if prev, ok := l.lookupExact(m.Type, key); ok {
			l.drop(prev)
		}
		l.mu.Unlock()
		if persist {
			return l.remove(ctx, m.Type, key)
		}
	default:
		return fmt.Errorf("policy: unknown mutation op %d", m.Op)
	}
	return nil
}

// Get returns the active entry of type t for key.
func (l *List) Get(t Type, key string) (Entry, bool) {
	key, err := canonicalKey(t, key)
	if err != nil {
		return Entry{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.lookupExact(t, key)
	if !ok || !e.Active(l.now()) {
		return Entry{}, false
	}
	return *e, true
}

// Lookup returns every active entry matching the request attributes, in
// order: login, IP and netmask, IP+login, JA3, IP+JA3. Empty attributes are
// skipped.
func (l *List) Lookup(ip, login, ja3 string) []Entry {
	var addr netip.Addr
	if ip != "" {
		if a, err := ParseAddr(ip); err == nil {
			addr = a
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	active := func(e *Entry) bool { return e.Active(now) }

	var out []Entry
	add := func(e *Entry, ok bool) {
		if ok && active(e) {
			out = append(out, *e)
		}
	}

	if login != "" {
		e, ok := l.exact[TypeLogin][login]
		add(e, ok)
	}
	if addr.IsValid() {
		for _, e := range l.nets.match(addr, active) {
			out = append(out, *e)
		}
		if login != "" {
			e, ok := l.exact[TypeIPLogin][addr.String()+":"+login]
			add(e, ok)
		}
	}
	if ja3 != "" {
		e, ok := l.exact[TypeJA3][ja3]
		add(e, ok)
		if addr.IsValid() {
			e, ok := l.exact[TypeIPJA3][addr.String()+":"+ja3]
			add(e, ok)
		}
	}
	return out
}

// Entries returns the active entries ordered by type then key.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	now := l.now()
	var out []Entry
	l.each(func(e *Entry) {
		if e.Active(now) {
			out = append(out, *e)
		}
	})
	l.mu.RUnlock()

	order := make(map[Type]int, len(Types))
	for i, t := range Types {
		order[t] = i
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return order[out[i].Type] < order[out[j].Type]
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Counts returns the number of active entries per type.
func (l *List) Counts() map[Type]int {
	out := make(map[Type]int, len(Types))
	for _, t := range Types {
		out[t] = 0
	}
	l.mu.RLock()
	now := l.now()
	l.each(func(e *Entry) {
		if e.Active(now) {
			out[e.Type]++
		}
	})
	l.mu.RUnlock()
	return out
}

// Purge removes expired entries and fires an expire event for each. Rows in
// the persistent store are left to the store's own purge.
func (l *List) Purge() []Entry {
	l.mu.Lock()
	now := l.now()
	var expired []*Entry
	l.each(func(e *Entry) {
		if !e.Active(now) {
			expired = append(expired, e)
		}
	})
	for _, e := range expired {
		l.drop(e)
	}
	events := l.events
	l.mu.Unlock()

	out := make([]Entry, 0, len(expired))
	for _, e := range expired {
		out = append(out, *e)
		logger.Debug("Policy entry expired", "list", l.kind, "type", e.Type, "key", e.Key)
		if events != nil {
			events(Event{Name: l.eventName("expire"), List: l.kind, Entry: *e, At: now})
		}
	}
	return out
}

// Load restores the active entries from the persistent store.
func (l *List) Load(ctx context.Context) (int, error) {
	if l.opts.Persister == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	l.mu.RLock()
	now := l.now()
	l.mu.RUnlock()

	entries, err := l.opts.Persister.LoadActive(ctx, l.kind, now)
	if err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(l.opts.Persister.Backend(), "load").Inc()
		return 0, fmt.Errorf("loading %s: %w", l.kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range entries {
		e := entries[i]
		key, err := canonicalKey(e.Type, e.Key)
		if err != nil {
			logger.Warn("Skipping malformed persisted entry", "list", l.kind, "type", e.Type, "key", e.Key, "error", err)
			continue
		}
		if !e.Active(now) {
			continue
		}
		e.Key = key
		e.Persistent = true
		l.put(&e)
		n++
	}
	return n, nil
}

func (l *List) persistLocal() bool {
	return l.opts.Persister != nil && l.opts.Persist
}

func (l *List) save(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	if err := l.opts.Persister.Save(ctx, l.kind, e); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(l.opts.Persister.Backend(), "save").Inc()
		return err
	}
	return nil
}

func (l *List) remove(ctx context.Context, t Type, key string) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	if err := l.opts.Persister.Delete(ctx, l.kind, t, key); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(l.opts.Persister.Backend(), "delete").Inc()
		return err
	}
	return nil
}

// restore undoes a put of added, reinstating prev if there was one. It is a
// no-op when another writer replaced the entry in the meantime.
func (l *List) restore(added, prev *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if added != nil {
		cur, ok := l.lookupExact(added.Type, added.Key)
		if !ok || cur != added {
			return
		}
		l.drop(added)
	}
	if prev != nil {
		if _, ok := l.lookupExact(prev.Type, prev.Key); !ok {
			l.put(prev)
		}
	}
}

// put stores e and returns the entry it replaced. Callers hold mu.
func (l *List) put(e *Entry) *Entry {
	prev, _ := l.lookupExact(e.Type, e.Key)
	if e.Type == TypeIP {
		p := netip.MustParsePrefix(e.Key)
		l.nets.put(p, e)
	} else {
		l.exact[e.Type][e.Key] = e
	}
	return prev
}

// drop removes e. Callers hold mu.
func (l *List) drop(e *Entry) {
	if e.Type == TypeIP {
		l.nets.remove(netip.MustParsePrefix(e.Key))
		return
	}
	delete(l.exact[e.Type], e.Key)
}

// lookupExact finds the stored entry for a canonical key, expired or not.
func (l *List) lookupExact(t Type, key string) (*Entry, bool) {
	if t == TypeIP {
		p, err := netip.ParsePrefix(key)
		if err != nil {
			return nil, false
		}
		return l.nets.get(p)
	}
	m, ok := l.exact[t]
	if !ok {
		return nil, false
	}
	e, ok := m[key]
	return e, ok
}

func (l *List) each(fn func(*Entry)) {
	l.nets.each(fn)
	for _, m := range l.exact {
		for _, e := range m {
			fn(e)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.nets.len()
	for _, m := range l.exact {
		n += len(m)
	}
	return n
}
