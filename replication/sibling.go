package replication

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultPort is used when a sibling address carries no port.
const DefaultPort = 4001

type Proto string

const (
	UDP Proto = "udp"
	TCP Proto = "tcp"
)

// ParseProto accepts "udp", "tcp" or empty (UDP).
func ParseProto(s string) (Proto, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	}
	return "", fmt.Errorf("unknown sibling protocol %q", s)
}

// Sibling is a replication peer.
type Sibling struct {
	Host  string
	Port  int
	Proto Proto
	Key   *[32]byte
}

// Addr returns host:port.
func (s Sibling) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Sibling) String() string {
	return s.Addr() + ":" + string(s.Proto)
}

// ParseSibling parses host[:port[:proto]]. IPv6 hosts with a port must be
// bracketed.
func ParseSibling(s string) (Sibling, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Sibling{}, fmt.Errorf("empty sibling address")
	}
	sib := Sibling{Port: DefaultPort, Proto: UDP}

	var rest string
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Sibling{}, fmt.Errorf("sibling %q: missing ']'", s)
		}
		sib.Host = s[1:end]
		rest = s[end+1:]
		if rest != "" && !strings.HasPrefix(rest, ":") {
			return Sibling{}, fmt.Errorf("sibling %q: unexpected %q after host", s, rest)
		}
		rest = strings.TrimPrefix(rest, ":")
	} else if _, err := netip.ParseAddr(s); err == nil {
		// A bare address, IPv6 included.
		sib.Host = s
	} else {
		host, r, _ := strings.Cut(s, ":")
		sib.Host, rest = host, r
	}
	if sib.Host == "" {
		return Sibling{}, fmt.Errorf("sibling %q: empty host", s)
	}

	if rest != "" {
		portStr, protoStr, _ := strings.Cut(rest, ":")
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil || p <= 0 || p > 65535 {
				return Sibling{}, fmt.Errorf("sibling %q: invalid port %q", s, portStr)
			}
			sib.Port = p
		}
		proto, err := ParseProto(protoStr)
		if err != nil {
			return Sibling{}, fmt.Errorf("sibling %q: %w", s, err)
		}
		sib.Proto = proto
	}
	return sib, nil
}

// resolveHost returns the addresses a sibling's datagrams and connections
// may come from.
func resolveHost(host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a.WithZone("").Unmap()}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sibling %s: %w", host, err)
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a.Unmap())
		}
	}
	return out, nil
}
