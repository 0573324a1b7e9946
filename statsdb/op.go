package statsdb

import (
	"fmt"
	"time"
)

type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpSub
	OpAddItem
	OpReset
	OpResetField
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpAddItem:
		return "add_item"
	case OpReset:
		return "reset"
	case OpResetField:
		return "reset_field"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one counter mutation. Time is resolved before the op is emitted so
// siblings place it in the same window as the originating node.
type Op struct {
	DB    string
	Kind  OpKind
	Key   string
	Field string
	Value int64
	Item  string
	Time  time.Time
}

// OpSink receives locally originated mutations. It must not block.
type OpSink func(Op)
