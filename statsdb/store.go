package statsdb

import (
	"fmt"
	"sort"
	"time"

	"github.com/migadu/warden/config"
)

// Store owns every configured DB.
type Store struct {
	dbs map[string]*DB
}

func NewStore(cfgs []Config) (*Store, error) {
	s := &Store{dbs: make(map[string]*DB, len(cfgs))}
	for _, c := range cfgs {
		if _, dup := s.dbs[c.Name]; dup {
			return nil, fmt.Errorf("statsdb %q defined more than once", c.Name)
		}
		db, err := New(c)
		if err != nil {
			return nil, err
		}
		s.dbs[c.Name] = db
	}
	return s, nil
}

// NewStoreFromConfig builds a store from the [[stats_db]] sections.
func NewStoreFromConfig(sections []config.StatsDBConfig) (*Store, error) {
	cfgs := make([]Config, 0, len(sections))
	for _, sec := range sections {
		c, err := ConfigFrom(sec)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, c)
	}
	return NewStore(cfgs)
}

func (s *Store) DB(name string) (*DB, bool) {
	db, ok := s.dbs[name]
	return db, ok
}

// All returns the DBs ordered by name.
func (s *Store) All() []*DB {
	out := make([]*DB, 0, len(s.dbs))
	for _, db := range s.dbs {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Store) SetSink(sink OpSink) {
	for _, db := range s.dbs {
		db.SetSink(sink)
	}
}

func (s *Store) SetClock(now func() time.Time) {
	for _, db := range s.dbs {
		db.SetClock(now)
	}
}

// Apply routes a replicated op to its DB.
func (s *Store) Apply(op Op) error {
	db, ok := s.dbs[op.DB]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownDB, op.DB)
	}
	return db.Apply(op)
}

// Sizes returns the key count of every DB.
func (s *Store) Sizes() map[string]int {
	out := make(map[string]int, len(s.dbs))
	for name, db := range s.dbs {
		out[name] = db.Len()
	}
	return out
}
