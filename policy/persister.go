package policy

import (
	"context"
	"time"
)

// Persister is the durable store behind lists configured with persist = true.
// Implementations live in the persist package.
type Persister interface {
	Save(ctx context.Context, list Kind, e Entry) error
	Delete(ctx context.Context, list Kind, t Type, key string) error
	// LoadActive returns the entries of list that have not expired at now.
	LoadActive(ctx context.Context, list Kind, now time.Time) ([]Entry, error)
	// PurgeExpired removes rows of every list that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
	Backend() string
}

// Op is a list mutation kind.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpDelete
)

// Mutation is a locally originated list change, handed to the replication
// sink. Expires is absolute so siblings keep the same deadline.
type Mutation struct {
	List    Kind
	Op      Op
	Type    Type
	Key     string
	Reason  string
	Expires time.Time
}

// Event is delivered to webhook subscribers. Name is one of addbl, delbl,
// expirebl, addwl, delwl and expirewl.
type Event struct {
	Name  string
	List  Kind
	Entry Entry
	At    time.Time
}
