package statsdb

import (
	"encoding/binary"
	"math"

	"lukechampine.com/blake3"
)

const (
	countMinEpsilon = 0.01
	countMinDelta   = 0.01
)

var (
	countMinWidth = int(math.Ceil(math.E / countMinEpsilon))
	countMinDepth = int(math.Ceil(math.Log(1 / countMinDelta)))
)

// countMin is a count-min sketch. Estimates never undercount and overcount by
// at most eps*total with probability 1-delta. Row indexes come from one
// blake3 digest split into two 64-bit halves (Kirsch-Mitzenmacher).
type countMin struct {
	rows  [][]uint32
	total uint64
}

func newCountMin() *countMin {
	rows := make([][]uint32, countMinDepth)
	for i := range rows {
		rows[i] = make([]uint32, countMinWidth)
	}
	return &countMin{rows: rows}
}

func countMinHashes(item string) (uint64, uint64) {
	sum := blake3.Sum256([]byte(item))
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16]) | 1
}

func (c *countMin) add(item string, n uint32) {
	h1, h2 := countMinHashes(item)
	w := uint64(countMinWidth)
	for i, row := range c.rows {
		row[(h1+uint64(i)*h2)%w] += n
	}
	c.total += uint64(n)
}

func (c *countMin) estimate(item string) uint32 {
	h1, h2 := countMinHashes(item)
	w := uint64(countMinWidth)
	est := uint32(math.MaxUint32)
	for i, row := range c.rows {
		if v := row[(h1+uint64(i)*h2)%w]; v < est {
			est = v
		}
	}
	return est
}
