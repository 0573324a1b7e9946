package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/statsdb"
)

// Verdict is the outcome of one rule stage.
type Verdict int

const (
	Continue Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Decision is what a rule returns. Status feeds the allow status metric;
// Attrs are returned to the client as r_attrs.
type Decision struct {
	Verdict Verdict
	Status  string
	Message string
	LogMsg  string
	Attrs   map[string]string
}

// Rule is one stage of the allow chain.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, lt *LoginTuple) (Decision, error)
}

// listsRule consults the whitelist and blacklist.
type listsRule struct {
	bl, wl    *policy.List
	sameScope bool
}

func (r *listsRule) Name() string { return "lists" }

var attrKeyNames = map[policy.Type]string{
	policy.TypeIP:      "ip",
	policy.TypeLogin:   "login",
	policy.TypeIPLogin: "iplogin",
	policy.TypeJA3:     "ja3",
	policy.TypeIPJA3:   "ipja3",
}

func entryAttrs(e policy.Entry, flag string) map[string]string {
	return map[string]string{
		"expiration": e.Expires.UTC().Format(time.DateTime),
		"reason":     e.Reason,
		flag:         "1",
		"key":        attrKeyNames[e.Type],
	}
}

func (r *listsRule) Evaluate(_ context.Context, lt *LoginTuple) (Decision, error) {
	ja3 := lt.ja3()
	wl := r.wl.Lookup(lt.Remote, lt.Login, ja3)
	bl := r.bl.Lookup(lt.Remote, lt.Login, ja3)

	if r.sameScope && len(wl) > 0 {
		// Drop blacklist matches that a whitelist entry of the same
		// type and key covers.
		covered := make(map[string]bool, len(wl))
		for _, e := range wl {
			covered[string(e.Type)+"|"+e.Key] = true
		}
		kept := bl[:0]
		for _, e := range bl {
			if !covered[string(e.Type)+"|"+e.Key] {
				kept = append(kept, e)
			}
		}
		bl = kept
		if len(bl) > 0 {
			return r.deny(bl[0]), nil
		}
	}

	if len(wl) > 0 {
		e := wl[0]
		return Decision{
			Verdict: Allow,
			Status:  "whitelisted",
			Message: r.wl.Message(e.Type),
			LogMsg:  "whitelisted " + attrKeyNames[e.Type],
			Attrs:   entryAttrs(e, "whitelisted"),
		}, nil
	}
	if len(bl) > 0 {
		return r.deny(bl[0]), nil
	}
	return Decision{Verdict: Continue}, nil
}

func (r *listsRule) deny(e policy.Entry) Decision {
	return Decision{
		Verdict: Deny,
		Status:  "blacklisted",
		Message: r.bl.Message(e.Type),
		LogMsg:  "blacklisted " + attrKeyNames[e.Type],
		Attrs:   entryAttrs(e, "blacklisted"),
	}
}

// threshold is one compiled [[engine.threshold]].
type threshold struct {
	cfg   config.ThresholdConfig
	db    *statsdb.DB
	shape statsdb.KeyShape
	// list type the offending key is blacklisted under; subnet keys become
	// netmask entries.
	blType policy.Type
}

// thresholdsRule denies when any windowed counter has reached its limit.
type thresholdsRule struct {
	thresholds []threshold
	bl         *policy.List
}

func (r *thresholdsRule) Name() string { return "thresholds" }

func (r *thresholdsRule) Evaluate(ctx context.Context, lt *LoginTuple) (Decision, error) {
	var errs []error
	for i := range r.thresholds {
		th := &r.thresholds[i]
		key, err := th.db.Key(th.shape, lt.parts())
		if errors.Is(err, statsdb.ErrMissingKeyPart) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold %q: %w", th.cfg.Name, err))
			continue
		}
		n, err := th.db.Get(key, th.cfg.Field)
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold %q: %w", th.cfg.Name, err))
			continue
		}
		if n < th.cfg.Limit {
			continue
		}

		if th.cfg.BlacklistSecs > 0 && th.blType != "" {
			r.autoBlacklist(ctx, th, key)
		}
		msg := th.cfg.Message
		if msg == "" {
			msg = "Too many failed logins"
		}
		return Decision{
			Verdict: Deny,
			Status:  "denied",
			Message: msg,
			LogMsg:  "threshold " + th.cfg.Name,
			Attrs: map[string]string{
				"threshold": th.cfg.Name,
				"count":     strconv.FormatInt(n, 10),
				"limit":     strconv.FormatInt(th.cfg.Limit, 10),
			},
		}, errors.Join(errs...)
	}
	return Decision{Verdict: Continue}, errors.Join(errs...)
}

func (r *thresholdsRule) autoBlacklist(ctx context.Context, th *threshold, key string) {
	if _, ok := r.bl.Get(th.blType, key); ok {
		return
	}
	ttl, err := policy.TTL(int64(th.cfg.BlacklistSecs))
	if err == nil {
		err = r.bl.Add(ctx, th.blType, key, ttl, th.blacklistReason())
	}
	if err != nil {
		logger.Warn("Failed to blacklist key after threshold", "threshold", th.cfg.Name, "key", key, "error", err)
	}
}

func (th *threshold) blacklistReason() string {
	if th.cfg.BlacklistReason != "" {
		return th.cfg.BlacklistReason
	}
	return "threshold " + th.cfg.Name + " reached"
}

// listTypeFor maps a counter key shape to the policy type whose keys have
// the same form.
func listTypeFor(shape statsdb.KeyShape) policy.Type {
	switch shape {
	case statsdb.ShapeLogin:
		return policy.TypeLogin
	case statsdb.ShapeIP, statsdb.ShapeSubnet:
		return policy.TypeIP
	case statsdb.ShapeIPLogin:
		return policy.TypeIPLogin
	case statsdb.ShapeJA3:
		return policy.TypeJA3
	case statsdb.ShapeIPJA3:
		return policy.TypeIPJA3
	}
	return ""
}
