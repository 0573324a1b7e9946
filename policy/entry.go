// Package policy holds the blacklist and whitelist: keyed entries with an
// absolute expiry that force a deny or allow decision.
package policy

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("policy: entry not found")
	ErrInvalidKey    = errors.New("policy: invalid entry key")
	ErrInvalidExpiry = errors.New("policy: expire_secs must be between 1 and MaxExpireSecs")
)

// MaxExpireSecs is the longest lifetime an entry can have. Larger values
// do not fit in a time.Duration.
const MaxExpireSecs = int64(math.MaxInt64 / int64(time.Second))

// TTL converts an expire_secs value into an entry lifetime.
func TTL(expireSecs int64) (time.Duration, error) {
	if expireSecs <= 0 || expireSecs > MaxExpireSecs {
		return 0, ErrInvalidExpiry
	}
	return time.Duration(expireSecs) * time.Second, nil
}

// Kind names a list.
type Kind string

const (
	Blacklist Kind = "blacklist"
	Whitelist Kind = "whitelist"
)

// short is the suffix used in event names and redis key prefixes.
func (k Kind) short() string {
	if k == Whitelist {
		return "wl"
	}
	return "bl"
}

// Type is the shape of an entry key.
type Type string

const (
	TypeIP      Type = "ip" // single address or netmask
	TypeLogin   Type = "login"
	TypeIPLogin Type = "ip_login"
	TypeJA3     Type = "ja3"
	TypeIPJA3   Type = "ip_ja3"
)

// Types lists every entry type in lookup order.
var Types = []Type{TypeLogin, TypeIP, TypeIPLogin, TypeJA3, TypeIPJA3}

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeIP, TypeLogin, TypeIPLogin, TypeJA3, TypeIPJA3:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidKey, s)
}

// Entry is one list entry.
type Entry struct {
	Type       Type
	Key        string
	Reason     string
	Created    time.Time
	Expires    time.Time
	Persistent bool
}

// Active reports whether the entry has not yet expired at now.
func (e Entry) Active(now time.Time) bool {
	return now.Before(e.Expires)
}

// ExpireSecs is the remaining lifetime in whole seconds, never negative.
func (e Entry) ExpireSecs(now time.Time) int64 {
	d := e.Expires.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// DisplayKey is the key as list dumps show it: an IP entry covering a
// single host prints as the bare address.
func (e Entry) DisplayKey() string {
	if e.Type != TypeIP {
		return e.Key
	}
	p, err := netip.ParsePrefix(e.Key)
	if err != nil || !p.IsSingleIP() {
		return e.Key
	}
	return p.Addr().String()
}

// Target identifies an entry the way API callers do: by whichever of the
// fields are set.
type Target struct {
	IP      string
	Netmask string
	Login   string
	JA3     string
}

// Resolve maps the populated fields to an entry type and canonical key.
// IP+login and IP+JA3 pairs take precedence over their single forms.
func (t Target) Resolve() (Type, string, error) {
	switch {
	case t.Netmask != "":
		k, err := canonicalKey(TypeIP, t.Netmask)
		return TypeIP, k, err
	case t.IP != "" && t.Login != "":
		k, err := canonicalKey(TypeIPLogin, t.IP+":"+t.Login)
		return TypeIPLogin, k, err
	case t.IP != "" && t.JA3 != "":
		k, err := canonicalKey(TypeIPJA3, t.IP+":"+t.JA3)
		return TypeIPJA3, k, err
	case t.IP != "":
		k, err := canonicalKey(TypeIP, t.IP)
		return TypeIP, k, err
	case t.Login != "":
		return TypeLogin, t.Login, nil
	case t.JA3 != "":
		return TypeJA3, t.JA3, nil
	}
	return "", "", fmt.Errorf("%w: one of ip, netmask, login or ja3 is required", ErrInvalidKey)
}

// ParseAddr parses an IP literal, dropping any zone and unmapping
// IPv4-mapped IPv6 addresses.
func ParseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IP address", ErrInvalidKey, s)
	}
	return a.WithZone("").Unmap(), nil
}

// parsePrefix accepts "a.b.c.d", "a.b.c.d/n" and the IPv6 forms. Bare
// addresses become host prefixes. A mapped IPv6 netmask is rewritten to the
// IPv4 prefix it covers.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		a, err := ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q is not a netmask", ErrInvalidKey, s)
	}
	a := p.Addr().WithZone("")
	bits := p.Bits()
	if a.Is4In6() {
		if bits < 96 {
			return netip.Prefix{}, fmt.Errorf("%w: %q is wider than the mapped IPv4 range", ErrInvalidKey, s)
		}
		a = a.Unmap()
		bits -= 96
	}
	return netip.PrefixFrom(a, bits).Masked(), nil
}

// splitPair splits "ip:rest" where ip may itself contain colons. The IP part
// is everything up to the last colon that leaves a parseable address.
func splitPair(key string) (netip.Addr, string, error) {
	for i := strings.LastIndex(key, ":"); i > 0; i = strings.LastIndex(key[:i], ":") {
		if a, err := ParseAddr(key[:i]); err == nil && i+1 < len(key) {
			return a, key[i+1:], nil
		}
	}
	return netip.Addr{}, "", fmt.Errorf("%w: %q is not an ip:value pair", ErrInvalidKey, key)
}

// canonicalKey normalizes a key of the given type so that equivalent forms
// (mapped addresses, unmasked netmasks) land on the same entry.
func canonicalKey(t Type, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	switch t {
	case TypeIP:
		p, err := parsePrefix(key)
		if err != nil {
			return "", err
		}
		return p.String(), nil
	case TypeIPLogin, TypeIPJA3:
		a, rest, err := splitPair(key)
		if err != nil {
			return "", err
		}
		return a.String() + ":" + rest, nil
	case TypeLogin, TypeJA3:
		return key, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidKey, t)
}
