package statsdb

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// KeyShape names how a counter key is derived from a login attempt.
type KeyShape string

const (
	ShapeLogin   KeyShape = "login"
	ShapeIP      KeyShape = "ip"
	ShapeIPLogin KeyShape = "ip_login"
	ShapeSubnet  KeyShape = "subnet"
	ShapeJA3     KeyShape = "ja3"
	ShapeIPJA3   KeyShape = "ip_ja3"
)

// ErrMissingKeyPart is returned when the attempt lacks a component the shape needs.
var ErrMissingKeyPart = errors.New("statsdb: missing key component")

// ParseIP parses an address, dropping any zone and unmapping IPv4-mapped
// IPv6 so that ::ffff:1.2.3.4 and 1.2.3.4 produce the same keys.
func ParseIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid ip %q: %w", s, err)
	}
	return addr.WithZone("").Unmap(), nil
}

// Parts are the inputs a key is derived from.
type Parts struct {
	Login string
	IP    string
	JA3   string
}

// KeyFor derives the counter key for shape. Subnet keys use the given
// prefix lengths; other shapes ignore them.
func KeyFor(shape KeyShape, p Parts, v4Prefix, v6Prefix int) (string, error) {
	switch shape {
	case ShapeLogin:
		if p.Login == "" {
			return "", ErrMissingKeyPart
		}
		return p.Login, nil
	case ShapeJA3:
		if p.JA3 == "" {
			return "", ErrMissingKeyPart
		}
		return p.JA3, nil
	}

	if p.IP == "" {
		return "", ErrMissingKeyPart
	}
	addr, err := ParseIP(p.IP)
	if err != nil {
		return "", err
	}

	switch shape {
	case ShapeIP:
		return addr.String(), nil
	case ShapeIPLogin:
		if p.Login == "" {
			return "", ErrMissingKeyPart
		}
		return addr.String() + ":" + p.Login, nil
	case ShapeIPJA3:
		if p.JA3 == "" {
			return "", ErrMissingKeyPart
		}
		return addr.String() + ":" + p.JA3, nil
	case ShapeSubnet:
		bits := v6Prefix
		if addr.Is4() {
			bits = v4Prefix
		}
		prefix, err := addr.Prefix(bits)
		if err != nil {
			return "", fmt.Errorf("subnet key for %s/%d: %w", addr, bits, err)
		}
		return prefix.String(), nil
	}
	return "", fmt.Errorf("statsdb: unknown key shape %q", shape)
}

// Key derives a key using this DB's subnet prefix lengths.
func (db *DB) Key(shape KeyShape, p Parts) (string, error) {
	return KeyFor(shape, p, db.cfg.V4Prefix, db.cfg.V6Prefix)
}
