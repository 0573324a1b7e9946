package policy

import (
	"net/netip"
	"sort"
)

// netGroup indexes prefix entries by prefix length so a lookup probes only
// the lengths actually present, longest first.
type netGroup struct {
	byLen map[int]map[netip.Prefix]*Entry
	v4    []int
	v6    []int
}

func newNetGroup() *netGroup {
	return &netGroup{byLen: make(map[int]map[netip.Prefix]*Entry)}
}

// lenKey separates IPv4 and IPv6 lengths in one map.
func lenKey(p netip.Prefix) int {
	if p.Addr().Is4() {
		return p.Bits()
	}
	return 1000 + p.Bits()
}

func (g *netGroup) put(p netip.Prefix, e *Entry) {
	k := lenKey(p)
	m, ok := g.byLen[k]
	if !ok {
		m = make(map[netip.Prefix]*Entry)
		g.byLen[k] = m
		g.reindex()
	}
	m[p] = e
}

func (g *netGroup) get(p netip.Prefix) (*Entry, bool) {
	e, ok := g.byLen[lenKey(p)][p]
	return e, ok
}

func (g *netGroup) remove(p netip.Prefix) {
	k := lenKey(p)
	m, ok := g.byLen[k]
	if !ok {
		return
	}
	delete(m, p)
	if len(m) == 0 {
		delete(g.byLen, k)
		g.reindex()
	}
}

func (g *netGroup) reindex() {
	g.v4, g.v6 = g.v4[:0], g.v6[:0]
	for k := range g.byLen {
		if k >= 1000 {
			g.v6 = append(g.v6, k-1000)
		} else {
			g.v4 = append(g.v4, k)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(g.v4)))
	sort.Sort(sort.Reverse(sort.IntSlice(g.v6)))
}

// match returns the entries whose prefix contains a, longest prefix first.
func (g *netGroup) match(a netip.Addr, keep func(*Entry) bool) []*Entry {
	lens, off := g.v6, 1000
	if a.Is4() {
		lens, off = g.v4, 0
	}
	var out []*Entry
	for _, bits := range lens {
		p, err := a.Prefix(bits)
		if err != nil {
			continue
		}
		if e, ok := g.byLen[off+bits][p]; ok && keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (g *netGroup) each(fn func(*Entry)) {
	for _, m := range g.byLen {
		for _, e := range m {
			fn(e)
		}
	}
}

func (g *netGroup) len() int {
	n := 0
	for _, m := range g.byLen {
		n += len(m)
	}
	return n
}
