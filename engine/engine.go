// Package engine makes allow decisions from the policy lists and the
// windowed counters, and records reports into those counters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/statsdb"
)

// ErrNoResetKey is returned by Reset when neither login nor ip is given.
var ErrNoResetKey = errors.New("no ip or login field supplied")

// LoginsCounter is the named counter behind incLogins, countLogins and
// resetLogins.
const LoginsCounter = "logins"

// Options are the collaborators an Engine is built from.
type Options struct {
	Config    config.EngineConfig
	Stats     *statsdb.Store
	Named     *statsdb.NamedCounters
	Blacklist *policy.List
	Whitelist *policy.List
	Notifier  Notifier // optional
}

type counter struct {
	cfg   config.CounterConfig
	db    *statsdb.DB
	typ   statsdb.FieldType
	shape statsdb.KeyShape
}

func (c *counter) applies(success bool) bool {
	switch c.cfg.When {
	case "always":
		return true
	case "success":
		return success
	default:
		return !success
	}
}

// AllowResponse is the result of Allow. Status is 0 to allow and -1 to deny.
type AllowResponse struct {
	Status  int               `json:"status"`
	Msg     string            `json:"msg"`
	Attrs   map[string]string `json:"r_attrs"`
	Outcome string            `json:"-"` // allowed, denied, blacklisted or whitelisted
}

// Engine owns the process state every request handler works on.
type Engine struct {
	cfg      config.EngineConfig
	stats    *statsdb.Store
	named    *statsdb.NamedCounters
	bl, wl   *policy.List
	notifier Notifier

	chain      []Rule
	counters   []counter
	thresholds []threshold
	// resetTargets are the distinct (db, shape) pairs any counter or
	// threshold writes or reads.
	resetTargets []counter
}

func New(opts Options) (*Engine, error) {
	if opts.Stats == nil || opts.Blacklist == nil || opts.Whitelist == nil {
		return nil, errors.New("engine: stats, blacklist and whitelist are required")
	}
	if opts.Named == nil {
		opts.Named = statsdb.NewNamedCounters()
	}
	e := &Engine{
		cfg:      opts.Config,
		stats:    opts.Stats,
		named:    opts.Named,
		bl:       opts.Blacklist,
		wl:       opts.Whitelist,
		notifier: opts.Notifier,
	}

	seen := make(map[string]bool)
	addTarget := func(c counter) {
		k := c.db.Name() + "|" + string(c.shape)
		if !seen[k] {
			seen[k] = true
			e.resetTargets = append(e.resetTargets, c)
		}
	}

	for _, cc := range opts.Config.Counters {
		db, typ, err := e.field(cc.DB, cc.Field)
		if err != nil {
			return nil, fmt.Errorf("counter %q: %w", cc.Name, err)
		}
		c := counter{cfg: cc, db: db, typ: typ, shape: statsdb.KeyShape(cc.KeyShape)}
		e.counters = append(e.counters, c)
		addTarget(c)
	}

	var thresholds []threshold
	for _, tc := range opts.Config.Thresholds {
		db, typ, err := e.field(tc.DB, tc.Field)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", tc.Name, err)
		}
		if typ == statsdb.FieldCountMin {
			return nil, fmt.Errorf("threshold %q: countmin fields cannot be thresholded", tc.Name)
		}
		shape := statsdb.KeyShape(tc.KeyShape)
		thresholds = append(thresholds, threshold{cfg: tc, db: db, shape: shape, blType: listTypeFor(shape)})
		addTarget(counter{db: db, shape: shape})
	}

	for _, stage := range opts.Config.GetChain() {
		switch stage {
		case "lists":
			e.chain = append(e.chain, &listsRule{bl: e.bl, wl: e.wl, sameScope: opts.Config.GetWhitelistScope() == "same"})
		case "thresholds":
			e.chain = append(e.chain, &thresholdsRule{thresholds: thresholds, bl: e.bl})
			e.thresholds = thresholds
		case "attributes":
			r, err := compileAttributeRules(opts.Config.AttributeRules)
			if err != nil {
				return nil, err
			}
			e.chain = append(e.chain, r)
		default:
			return nil, fmt.Errorf("engine: unknown chain stage %q", stage)
		}
	}

	if e.notifier != nil {
		e.bl.SetEventHandler(e.notifyList)
		e.wl.SetEventHandler(e.notifyList)
	}
	return e, nil
}

func (e *Engine) field(dbName, field string) (*statsdb.DB, statsdb.FieldType, error) {
	db, ok := e.stats.DB(dbName)
	if !ok {
		return nil, "", fmt.Errorf("%w %q", statsdb.ErrUnknownDB, dbName)
	}
	typ, ok := db.FieldType(field)
	if !ok {
		return nil, "", fmt.Errorf("%w %q in %s", statsdb.ErrUnknownField, field, dbName)
	}
	return db, typ, nil
}

func (e *Engine) Stats() *statsdb.Store          { return e.stats }
func (e *Engine) Named() *statsdb.NamedCounters { return e.named }
func (e *Engine) Blacklist() *policy.List       { return e.bl }
func (e *Engine) Whitelist() *policy.List       { return e.wl }

// List returns the blacklist or whitelist.
func (e *Engine) List(kind policy.Kind) *policy.List {
	if kind == policy.Whitelist {
		return e.wl
	}
	return e.bl
}

// CanonicalLogin applies the configured login normalization.
func (e *Engine) CanonicalLogin(login string) string {
	return canonicalLogin(login, e.cfg.LowercaseLogins, e.cfg.DefaultDomain)
}

func (e *Engine) notify(event string, payload any) {
	if e.notifier != nil {
		e.notifier.Notify(event, payload)
	}
}

func (e *Engine) notifyList(ev policy.Event) {
	e.notify(ev.Name, listEvent(ev))
}

// Allow runs the rule chain. It never mutates counters; a threshold with
// blacklist_secs may add a blacklist entry.
func (e *Engine) Allow(ctx context.Context, lt LoginTuple) *AllowResponse {
	lt.Login = e.CanonicalLogin(lt.Login)

	resp := &AllowResponse{Status: 0, Attrs: map[string]string{}, Outcome: "allowed"}
	for _, rule := range e.chain {
		d, err := rule.Evaluate(ctx, &lt)
		if err != nil {
			metrics.RuleErrorsTotal.WithLabelValues(rule.Name()).Inc()
			logger.Warn("Rule evaluation failed", "rule", rule.Name(), "login", lt.Login, "remote", lt.Remote, "error", err)
		}
		if d.Verdict == Continue {
			continue
		}
		resp.Msg = d.Message
		resp.Outcome = d.Status
		if d.Attrs != nil {
			resp.Attrs = d.Attrs
		}
		if d.Verdict == Deny {
			resp.Status = -1
		}
		logger.Info("allow", "status", resp.Status, "reason", d.LogMsg, "login", lt.Login, "remote", lt.Remote, "protocol", lt.Protocol)
		break
	}

	metrics.AllowStatusTotal.WithLabelValues(resp.Outcome).Inc()
	if resp.Outcome == "blacklisted" {
		metrics.AllowStatusTotal.WithLabelValues("denied").Inc()
	}
	e.notify("allow", &AllowEvent{Request: &lt, Response: resp, Type: "wforce_allow"})
	return resp
}

// Report records a login attempt in every counter whose predicate matches.
// A failing counter is logged and does not stop the others.
func (e *Engine) Report(ctx context.Context, lt LoginTuple) {
	lt.Login = e.CanonicalLogin(lt.Login)
	at := lt.At()
	parts := lt.parts()

	failed := 0
	for i := range e.counters {
		c := &e.counters[i]
		if !c.applies(lt.Success) {
			continue
		}
		key, err := c.db.Key(c.shape, parts)
		if errors.Is(err, statsdb.ErrMissingKeyPart) {
			continue
		}
		if err == nil {
			if c.typ == statsdb.FieldInt {
				_, err = c.db.Add(key, c.cfg.Field, 1, at)
			} else if item := lt.value(c.cfg.Value); item != "" {
				_, err = c.db.AddItem(key, c.cfg.Field, item, at)
			}
		}
		if err != nil {
			failed++
			logger.WarnContext(ctx, "Counter update failed", "counter", c.cfg.Name, "login", lt.Login, "remote", lt.Remote, "error", err)
		}
	}

	result := "failure"
	if lt.Success {
		result = "success"
	}
	metrics.ReportsTotal.WithLabelValues(result).Inc()
	if failed > 0 {
		metrics.RuleErrorsTotal.WithLabelValues("report").Add(float64(failed))
	}
	e.notify("report", &ReportEvent{LoginTuple: &lt, Type: "wforce_report"})
}

// Reset removes the blacklist entry for the given scope (ip+login if both
// are supplied, else login, else ip), any threshold auto-blacklist entry
// keyed on values derived from them, and clears every counter key that can
// be derived from them.
func (e *Engine) Reset(ctx context.Context, login, ip string) error {
	login = e.CanonicalLogin(login)
	if login == "" && ip == "" {
		return ErrNoResetKey
	}

	var (
		t   policy.Type
		key string
	)
	switch {
	case login != "" && ip != "":
		t, key = policy.TypeIPLogin, ip+":"+login
	case login != "":
		t, key = policy.TypeLogin, login
	default:
		t, key = policy.TypeIP, ip
	}
	if err := e.bl.Delete(ctx, t, key); err != nil && !errors.Is(err, policy.ErrNotFound) {
		return err
	}

	parts := statsdb.Parts{Login: login, IP: ip}
	for i := range e.thresholds {
		if err := e.resetAutoBlacklist(ctx, &e.thresholds[i], parts); err != nil {
			return err
		}
	}
	for _, c := range e.resetTargets {
		k, err := c.db.Key(c.shape, parts)
		if err != nil {
			continue
		}
		c.db.Reset(k)
	}

	logger.InfoContext(ctx, "reset", "login", login, "ip", ip)
	e.notify("reset", &ResetEvent{Login: login, IP: ip, Type: "wforce_reset"})
	return nil
}

// resetAutoBlacklist drops the entry th would have created for parts. Entries
// carrying another reason were added by an operator and are kept.
func (e *Engine) resetAutoBlacklist(ctx context.Context, th *threshold, parts statsdb.Parts) error {
	if th.cfg.BlacklistSecs <= 0 || th.blType == "" {
		return nil
	}
	key, err := th.db.Key(th.shape, parts)
	if err != nil {
		return nil
	}
	entry, ok := e.bl.Get(th.blType, key)
	if !ok || entry.Reason != th.blacklistReason() {
		return nil
	}
	if err := e.bl.Delete(ctx, th.blType, key); err != nil && !errors.Is(err, policy.ErrNotFound) {
		return err
	}
	return nil
}

// DBStats is the getDBStats view of one key.
type DBStats struct {
	KeyName     string
	KeyValue    string
	Whitelisted bool
	WLReason    string
	WLExpire    string
	Blacklisted bool
	BLReason    string
	BLExpire    string
	Stats       map[string]map[string]int64
	// Windows holds int and hll fields per window, newest first.
	Windows map[string]map[string][]int64
	Named   map[string]int64
}

// GetDBStats reports list membership and every stats DB's fields for the
// key formed from login and ip.
func (e *Engine) GetDBStats(login, ip string) (*DBStats, error) {
	login = e.CanonicalLogin(login)
	if login == "" && ip == "" {
		return nil, ErrNoResetKey
	}

	out := &DBStats{Stats: map[string]map[string]int64{}, Windows: map[string]map[string][]int64{}}
	var (
		t     policy.Type
		shape statsdb.KeyShape
	)
	switch {
	case login != "" && ip != "":
		out.KeyName, t, shape = "ip_login", policy.TypeIPLogin, statsdb.ShapeIPLogin
	case login != "":
		out.KeyName, t, shape = "login", policy.TypeLogin, statsdb.ShapeLogin
	default:
		out.KeyName, t, shape = "ip", policy.TypeIP, statsdb.ShapeIP
	}

	key, err := statsdb.KeyFor(shape, statsdb.Parts{Login: login, IP: ip}, 32, 128)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", policy.ErrInvalidKey, err)
	}
	out.KeyValue = key

	if entry, ok := e.bl.Get(t, key); ok {
		out.Blacklisted, out.BLReason, out.BLExpire = true, entry.Reason, entry.Expires.UTC().Format(time.DateTime)
	}
	if entry, ok := e.wl.Get(t, key); ok {
		out.Whitelisted, out.WLReason, out.WLExpire = true, entry.Reason, entry.Expires.UTC().Format(time.DateTime)
	}

	for _, db := range e.stats.All() {
		if !db.Contains(key) {
			continue
		}
		out.Stats[db.Name()] = db.GetAllFields(key)
		windows := make(map[string][]int64)
		for field, typ := range db.Config().Fields {
			if typ == statsdb.FieldCountMin {
				continue
			}
			if w, err := db.GetWindows(key, field, ""); err == nil {
				windows[field] = w
			}
		}
		out.Windows[db.Name()] = windows
	}
	if login != "" {
		out.Named = e.named.Snapshot(login)
	}
	return out, nil
}

// IncLogins, CountLogins and ResetLogins drive the logins named counter.
func (e *Engine) IncLogins(login string) int64 {
	return e.named.Inc(LoginsCounter, e.CanonicalLogin(login))
}

func (e *Engine) CountLogins(login string) int64 {
	return e.named.Get(LoginsCounter, e.CanonicalLogin(login))
}

func (e *Engine) ResetLogins(login string) int64 {
	e.named.Reset(LoginsCounter, e.CanonicalLogin(login))
	return 0
}

// MetricsSnapshot returns the sizes the metrics collector publishes.
func (e *Engine) MetricsSnapshot(context.Context) (*metrics.Snapshot, error) {
	snap := &metrics.Snapshot{
		StatsDBKeys: e.stats.Sizes(),
		Blacklist:   map[string]int{},
		Whitelist:   map[string]int{},
	}
	for t, n := range e.bl.Counts() {
		snap.Blacklist[string(t)] = n
	}
	for t, n := range e.wl.Counts() {
		snap.Whitelist[string(t)] = n
	}
	return snap, nil
}
