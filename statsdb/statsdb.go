// Package statsdb implements named sliding-window counter databases.
//
// A DB holds per-key fields, each a ring of NumWindows slots of WindowSize
// width. A slot is tagged with the absolute window number it holds
// (unix seconds / window width), so reads simply ignore slots whose number
// has fallen out of the ring and no background roll-forward is required.
// Fields are plain counters (int), distinct-count estimators (hll) or item
// frequency sketches (countmin).
package statsdb

import (
	"container/list"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/migadu/warden/config"
)

type FieldType string

const (
	FieldInt      FieldType = "int"
	FieldHLL      FieldType = "hll"
	FieldCountMin FieldType = "countmin"
)

var (
	ErrUnknownField = errors.New("statsdb: unknown field")
	ErrFieldType    = errors.New("statsdb: operation not supported by field type")
	ErrUnknownDB    = errors.New("statsdb: unknown db")
)

const numShards = 16

// Config describes one DB.
type Config struct {
	Name       string
	WindowSize time.Duration
	NumWindows int
	MaxSize    int
	V4Prefix   int
	V6Prefix   int
	Fields     map[string]FieldType
}

// ConfigFrom converts a [[stats_db]] section.
func ConfigFrom(c config.StatsDBConfig) (Config, error) {
	ws, err := c.GetWindowSize()
	if err != nil {
		return Config{}, err
	}
	fields := make(map[string]FieldType, len(c.Fields))
	for name, typ := range c.Fields {
		switch FieldType(typ) {
		case FieldInt, FieldHLL, FieldCountMin:
			fields[name] = FieldType(typ)
		default:
			return Config{}, fmt.Errorf("stats_db %q: field %q has unknown type %q", c.Name, name, typ)
		}
	}
	return Config{
		Name:       c.Name,
		WindowSize: ws,
		NumWindows: c.GetNumWindows(),
		MaxSize:    c.MaxSize,
		V4Prefix:   c.GetV4Prefix(),
		V6Prefix:   c.GetV6Prefix(),
		Fields:     fields,
	}, nil
}

type slot struct {
	epoch int64
	n     int64
	hll   *hyperloglog.Sketch
	cm    *countMin
}

type entry struct {
	key     string
	fields  map[string][]slot
	lastMod time.Time
	elem    *list.Element
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently modified
}

// DB is one named counter database. It is safe for concurrent use; writes to
// the same key are serialized by the key's shard lock.
type DB struct {
	cfg     Config
	winSecs int64
	shards  [numShards]*shard

	clockMu sync.RWMutex
	now     func() time.Time

	sinkMu sync.RWMutex
	sink   OpSink
}

func New(cfg Config) (*DB, error) {
	if cfg.Name == "" {
		return nil, errors.New("statsdb: name is required")
	}
	if cfg.WindowSize < time.Second {
		return nil, fmt.Errorf("statsdb %q: window size must be at least 1s", cfg.Name)
	}
	if cfg.NumWindows <= 0 {
		cfg.NumWindows = 1
	}
	if cfg.V4Prefix <= 0 {
		cfg.V4Prefix = 24
	}
	if cfg.V6Prefix <= 0 {
		cfg.V6Prefix = 64
	}

	db := &DB{
		cfg:     cfg,
		winSecs: int64(cfg.WindowSize / time.Second),
		now:     time.Now,
	}
	for i := range db.shards {
		db.shards[i] = &shard{entries: make(map[string]*entry), lru: list.New()}
	}
	return db, nil
}

func (db *DB) Name() string   { return db.cfg.Name }
func (db *DB) Config() Config { return db.cfg }

// Span is the total time covered by the ring.
func (db *DB) Span() time.Duration {
	return time.Duration(db.cfg.NumWindows) * db.cfg.WindowSize
}

func (db *DB) FieldType(field string) (FieldType, bool) {
	t, ok := db.cfg.Fields[field]
	return t, ok
}

// SetClock replaces the time source. Tests use it to move across windows.
func (db *DB) SetClock(now func() time.Time) {
	db.clockMu.Lock()
	db.now = now
	db.clockMu.Unlock()
}

func (db *DB) clock() time.Time {
	db.clockMu.RLock()
	defer db.clockMu.RUnlock()
	return db.now()
}

// SetSink installs the hook that receives locally originated mutations.
func (db *DB) SetSink(sink OpSink) {
	db.sinkMu.Lock()
	db.sink = sink
	db.sinkMu.Unlock()
}

func (db *DB) emit(op Op) {
	db.sinkMu.RLock()
	sink := db.sink
	db.sinkMu.RUnlock()
	if sink != nil {
		sink(op)
	}
}

func (db *DB) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return db.shards[h.Sum32()%numShards]
}

func (db *DB) epoch(t time.Time) int64 {
	return t.Unix() / db.winSecs
}

// live reports whether a slot tagged e is inside the ring ending at cur.
func (db *DB) live(e, cur int64) bool {
	return e > cur-int64(db.cfg.NumWindows) && e <= cur
}

// Add adds v to an int field and returns the new windowed total. A zero or
// future timestamp counts as now.
func (db *DB) Add(key, field string, v int64, at time.Time) (int64, error) {
	return db.mutate(Op{DB: db.cfg.Name, Kind: OpAdd, Key: key, Field: field, Value: v, Time: at}, true)
}

// Sub subtracts v from an int field. Totals never go below zero.
func (db *DB) Sub(key, field string, v int64, at time.Time) (int64, error) {
	return db.mutate(Op{DB: db.cfg.Name, Kind: OpSub, Key: key, Field: field, Value: v, Time: at}, true)
}

// Incr adds one to an int field at the current time.
func (db *DB) Incr(key, field string) (int64, error) {
	return db.Add(key, field, 1, time.Time{})
}

// AddItem records one occurrence of item in an hll or countmin field. It
// returns the distinct estimate (hll) or the item's frequency (countmin).
func (db *DB) AddItem(key, field, item string, at time.Time) (int64, error) {
	return db.mutate(Op{DB: db.cfg.Name, Kind: OpAddItem, Key: key, Field: field, Item: item, Time: at}, true)
}

// Reset removes every field of key.
func (db *DB) Reset(key string) {
	_, _ = db.mutate(Op{DB: db.cfg.Name, Kind: OpReset, Key: key}, true)
}

// ResetField clears one field of key.
func (db *DB) ResetField(key, field string) error {
	_, err := db.mutate(Op{DB: db.cfg.Name, Kind: OpResetField, Key: key, Field: field}, true)
	return err
}

// Apply performs a mutation received from a sibling without re-emitting it.
func (db *DB) Apply(op Op) error {
	_, err := db.mutate(op, false)
	return err
}

func (db *DB) mutate(op Op, local bool) (int64, error) {
	var typ FieldType
	if op.Kind != OpReset {
		var ok bool
		if typ, ok = db.cfg.Fields[op.Field]; !ok {
			return 0, fmt.Errorf("%w %q in %s", ErrUnknownField, op.Field, db.cfg.Name)
		}
		switch op.Kind {
		case OpAdd, OpSub:
			if typ != FieldInt {
				return 0, fmt.Errorf("%w: %s on %s field %q", ErrFieldType, op.Kind, typ, op.Field)
			}
		case OpAddItem:
			if typ == FieldInt {
				return 0, fmt.Errorf("%w: %s on int field %q", ErrFieldType, op.Kind, op.Field)
			}
		}
	}

	now := db.clock()
	at := op.Time
	if at.IsZero() || at.After(now) {
		at = now
	}
	op.Time = at

	sh := db.shardFor(op.Key)
	sh.mu.Lock()

	var total int64
	switch op.Kind {
	case OpReset:
		sh.remove(op.Key)
	case OpResetField:
		if e, ok := sh.entries[op.Key]; ok {
			delete(e.fields, op.Field)
			if len(e.fields) == 0 {
				sh.remove(op.Key)
			}
		}
	default:
		cur := db.epoch(now)
		n := db.epoch(at)
		if !db.live(n, cur) {
			// Older than the whole ring: nothing left to count it in.
			if e, ok := sh.entries[op.Key]; ok {
				total = db.sum(e.fields[op.Field], typ, cur, op.Item)
			}
			sh.mu.Unlock()
			return total, nil
		}

		e := sh.getOrCreate(op.Key, now)
		ring, ok := e.fields[op.Field]
		if !ok {
			ring = make([]slot, db.cfg.NumWindows)
			e.fields[op.Field] = ring
		}
		s := &ring[n%int64(db.cfg.NumWindows)]
		if s.epoch != n {
			*s = slot{epoch: n}
		}

		switch op.Kind {
		case OpAdd:
			s.n += op.Value
		case OpSub:
			s.n -= op.Value
			if s.n < 0 {
				s.n = 0
			}
		case OpAddItem:
			if typ == FieldHLL {
				if s.hll == nil {
					s.hll = hyperloglog.New14()
				}
				s.hll.Insert([]byte(op.Item))
			} else {
				if s.cm == nil {
					s.cm = newCountMin()
				}
				s.cm.add(op.Item, 1)
			}
		}
		e.lastMod = now
		sh.lru.MoveToFront(e.elem)
		total = db.sum(ring, typ, cur, op.Item)
	}
	sh.mu.Unlock()

	if local {
		db.emit(op)
	}
	return total, nil
}

func (sh *shard) getOrCreate(key string, now time.Time) *entry {
	if e, ok := sh.entries[key]; ok {
		return e
	}
	e := &entry{key: key, fields: make(map[string][]slot), lastMod: now}
	e.elem = sh.lru.PushFront(e)
	sh.entries[key] = e
	return e
}

func (sh *shard) remove(key string) {
	if e, ok := sh.entries[key]; ok {
		sh.lru.Remove(e.elem)
		delete(sh.entries, key)
	}
}

func (db *DB) sum(ring []slot, typ FieldType, cur int64, item string) int64 {
	var total int64
	switch typ {
	case FieldInt:
		for i := range ring {
			if db.live(ring[i].epoch, cur) {
				total += ring[i].n
			}
		}
	case FieldHLL:
		var merged *hyperloglog.Sketch
		for i := range ring {
			if ring[i].hll == nil || !db.live(ring[i].epoch, cur) {
				continue
			}
			if merged == nil {
				merged = hyperloglog.New14()
			}
			_ = merged.Merge(ring[i].hll)
		}
		if merged != nil {
			total = int64(merged.Estimate())
		}
	case FieldCountMin:
		for i := range ring {
			if ring[i].cm == nil || !db.live(ring[i].epoch, cur) {
				continue
			}
			if item == "" {
				total += clampInt64(ring[i].cm.total)
			} else {
				total += int64(ring[i].cm.estimate(item))
			}
		}
	}
	return total
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (db *DB) read(key, field string, fn func(ring []slot, typ FieldType, cur int64) int64) (int64, error) {
	typ, ok := db.cfg.Fields[field]
	if !ok {
		return 0, fmt.Errorf("%w %q in %s", ErrUnknownField, field, db.cfg.Name)
	}
	cur := db.epoch(db.clock())

	sh := db.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return 0, nil
	}
	ring, ok := e.fields[field]
	if !ok {
		return 0, nil
	}
	return fn(ring, typ, cur), nil
}

// Get returns the field summed over the live windows: the count for int
// fields, the distinct estimate for hll fields and the total number of
// recorded items for countmin fields.
func (db *DB) Get(key, field string) (int64, error) {
	return db.GetItem(key, field, "")
}

// GetItem is Get, except countmin fields report the frequency of item.
func (db *DB) GetItem(key, field, item string) (int64, error) {
	return db.read(key, field, func(ring []slot, typ FieldType, cur int64) int64 {
		return db.sum(ring, typ, cur, item)
	})
}

// GetWindows returns one value per window, newest first. Windows with no
// data are zero.
func (db *DB) GetWindows(key, field, item string) ([]int64, error) {
	out := make([]int64, db.cfg.NumWindows)
	_, err := db.read(key, field, func(ring []slot, typ FieldType, cur int64) int64 {
		for i := range out {
			want := cur - int64(i)
			s := ring[((want%int64(db.cfg.NumWindows))+int64(db.cfg.NumWindows))%int64(db.cfg.NumWindows)]
			if s.epoch == want {
				out[i] = db.sum([]slot{s}, typ, cur, item)
			}
		}
		return 0
	})
	return out, err
}

// GetAllFields returns every field of key with its windowed value.
func (db *DB) GetAllFields(key string) map[string]int64 {
	cur := db.epoch(db.clock())
	out := make(map[string]int64, len(db.cfg.Fields))

	sh := db.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	for field, typ := range db.cfg.Fields {
		if !ok {
			out[field] = 0
			continue
		}
		out[field] = db.sum(e.fields[field], typ, cur, "")
	}
	return out
}

// Len returns the number of keys held.
func (db *DB) Len() int {
	n := 0
	for _, sh := range db.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops keys not modified for a whole ring span and trims each shard
// to its share of MaxSize, least recently modified first.
func (db *DB) Sweep() (expired, trimmed int) {
	now := db.clock()
	cutoff := now.Add(-db.Span())

	perShard := 0
	if db.cfg.MaxSize > 0 {
		perShard = (db.cfg.MaxSize + numShards - 1) / numShards
	}

	for _, sh := range db.shards {
		sh.mu.Lock()
		for el := sh.lru.Back(); el != nil; {
			e := el.Value.(*entry)
			if !e.lastMod.Before(cutoff) {
				break
			}
			prev := el.Prev()
			sh.lru.Remove(el)
			delete(sh.entries, e.key)
			expired++
			el = prev
		}
		if perShard > 0 {
			for len(sh.entries) > perShard {
				el := sh.lru.Back()
				e := el.Value.(*entry)
				sh.lru.Remove(el)
				delete(sh.entries, e.key)
				trimmed++
			}
		}
		sh.mu.Unlock()
	}
	return expired, trimmed
}

// Contains reports whether key currently holds any field.
func (db *DB) Contains(key string) bool {
	sh := db.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[key]
	return ok
}
