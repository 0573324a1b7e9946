package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/statsdb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	loads  []any
}

func (n *recordingNotifier) Notify(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.loads = append(n.loads, payload)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestEngine(t *testing.T, mutate func(*config.EngineConfig)) (*Engine, *recordingNotifier) {
	t.Helper()
	stats, err := statsdb.NewStoreFromConfig(config.NewDefaultConfig().StatsDBs)
	require.NoError(t, err)

	cfg := config.DefaultEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	n := &recordingNotifier{}
	e, err := New(Options{
		Config:    cfg,
		Stats:     stats,
		Blacklist: policy.New(policy.Blacklist, policy.Options{}),
		Whitelist: policy.New(policy.Whitelist, policy.Options{}),
		Notifier:  n,
	})
	require.NoError(t, err)
	return e, n
}

func TestFailedReportsDenyUntilReset(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		e.Report(ctx, LoginTuple{Login: "baddie", Remote: "127.0.0.1", PwHash: fmt.Sprintf("1234%d", i), Success: false})
	}

	resp := e.Allow(ctx, LoginTuple{Login: "baddie", Remote: "127.0.0.1", PwHash: "1234"})
	assert.Equal(t, -1, resp.Status)
	assert.Equal(t, "denied", resp.Outcome)
	assert.Equal(t, "ip_login", resp.Attrs["threshold"])

	// Other pairs are untouched by the ip_login threshold.
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "goodie", Remote: "127.0.0.1"}).Status)

	require.NoError(t, e.Reset(ctx, "baddie", "127.0.0.1"))
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "baddie", Remote: "127.0.0.1", PwHash: "1234"}).Status)
}

func TestSuccessfulReportsDoNotCountAsFailures(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		e.Report(ctx, LoginTuple{Login: "user", Remote: "10.0.0.1", Success: true})
	}
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "user", Remote: "10.0.0.1"}).Status)

	stats, err := e.GetDBStats("user", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Stats["OneHourDB"]["diffIPs"], "always-counters see successes")
	assert.Equal(t, int64(0), stats.Stats["OneHourDB"]["countLogins"])
}

func TestBlacklistAndWhitelistPrecedence(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Blacklist().Add(ctx, policy.TypeIP, "192.168.1.1", time.Minute, "bad"))
	resp := e.Allow(ctx, LoginTuple{Login: "anyone", Remote: "192.168.1.1"})
	assert.Equal(t, -1, resp.Status)
	assert.Equal(t, "Temporarily blacklisted IP Address - try again later", resp.Msg)
	assert.Equal(t, "1", resp.Attrs["blacklisted"])
	assert.Equal(t, "ip", resp.Attrs["key"])

	require.NoError(t, e.Whitelist().Add(ctx, policy.TypeIP, "192.168.1.1", time.Minute, "trusted"))
	resp = e.Allow(ctx, LoginTuple{Login: "anyone", Remote: "192.168.1.1"})
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, "whitelisted", resp.Outcome)
	assert.Equal(t, "Whitelisted IP Address", resp.Msg)
}

func TestWhitelistScopeSame(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) { c.WhitelistScope = "same" })
	ctx := context.Background()

	require.NoError(t, e.Blacklist().Add(ctx, policy.TypeLogin, "mallory", time.Minute, ""))
	require.NoError(t, e.Whitelist().Add(ctx, policy.TypeIP, "10.0.0.0/8", time.Minute, "office"))

	// The whitelist covers the address, not the login, so the login
	// blacklist still applies.
	assert.Equal(t, -1, e.Allow(ctx, LoginTuple{Login: "mallory", Remote: "10.1.1.1"}).Status)

	require.NoError(t, e.Whitelist().Add(ctx, policy.TypeLogin, "mallory", time.Minute, ""))
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "mallory", Remote: "10.1.1.1"}).Status)
}

func TestThresholdBlacklists(t *testing.T) {
	e, n := newTestEngine(t, func(c *config.EngineConfig) {
		c.Thresholds = []config.ThresholdConfig{{
			Name: "login", DB: "OneHourDB", Field: "countLogins", KeyShape: "login",
			Limit: 3, BlacklistSecs: 60, BlacklistReason: "too many failures",
		}}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Report(ctx, LoginTuple{Login: "victim", Remote: fmt.Sprintf("10.0.0.%d", i)})
	}
	assert.Equal(t, -1, e.Allow(ctx, LoginTuple{Login: "victim", Remote: "10.9.9.9"}).Status)

	entry, ok := e.Blacklist().Get(policy.TypeLogin, "victim")
	require.True(t, ok)
	assert.Equal(t, "too many failures", entry.Reason)
	assert.Contains(t, n.names(), "addbl")

	// Reset removes the blacklist entry and the counter.
	require.NoError(t, e.Reset(ctx, "victim", ""))
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "victim", Remote: "10.9.9.9"}).Status)
}

func TestResetClearsDerivedAutoBlacklistEntries(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) {
		c.Thresholds = []config.ThresholdConfig{
			{Name: "ip", DB: "OneHourDB", Field: "countLogins", KeyShape: "ip", Limit: 3, BlacklistSecs: 600},
			{Name: "subnet", DB: "OneHourDB", Field: "countLogins", KeyShape: "subnet", Limit: 3, BlacklistSecs: 600},
		}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Report(ctx, LoginTuple{Login: fmt.Sprintf("user%d", i), Remote: "192.0.2.10"})
	}
	assert.Equal(t, -1, e.Allow(ctx, LoginTuple{Login: "alice", Remote: "192.0.2.10"}).Status)
	_, ok := e.Blacklist().Get(policy.TypeIP, "192.0.2.10")
	require.True(t, ok)

	// An operator entry on the same /24 is not the engine's to remove.
	require.NoError(t, e.Blacklist().Add(ctx, policy.TypeIP, "192.0.2.0/24", time.Hour, "manual"))

	require.NoError(t, e.Reset(ctx, "alice", "192.0.2.10"))
	_, ok = e.Blacklist().Get(policy.TypeIP, "192.0.2.10")
	assert.False(t, ok)
	entry, ok := e.Blacklist().Get(policy.TypeIP, "192.0.2.0/24")
	require.True(t, ok)
	assert.Equal(t, "manual", entry.Reason)

	require.NoError(t, e.Blacklist().Delete(ctx, policy.TypeIP, "192.0.2.0/24"))
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "alice", Remote: "192.0.2.10"}).Status)
}

func TestAttributeRules(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) {
		c.AttributeRules = []config.AttributeRuleConfig{
			{Name: "country", Expr: `"country" in attrs && attrs["country"] in ["KP", "XX"]`, Message: "Country blocked"},
			{Name: "broken", Expr: `attrs["missing"] == "x"`},
		}
	})
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.RuleErrorsTotal.WithLabelValues("attributes"))

	resp := e.Allow(ctx, LoginTuple{Login: "a", Remote: "1.1.1.1", Attrs: map[string]string{"country": "KP"}})
	assert.Equal(t, -1, resp.Status)
	assert.Equal(t, "Country blocked", resp.Msg)

	// The broken rule errors on a missing key and is treated as not firing.
	resp = e.Allow(ctx, LoginTuple{Login: "a", Remote: "1.1.1.1", Attrs: map[string]string{"country": "NZ"}})
	assert.Equal(t, 0, resp.Status)
	assert.Greater(t, testutil.ToFloat64(metrics.RuleErrorsTotal.WithLabelValues("attributes")), before)
}

func TestAttributeRulesMustBeBoolean(t *testing.T) {
	stats, err := statsdb.NewStoreFromConfig(config.NewDefaultConfig().StatsDBs)
	require.NoError(t, err)
	cfg := config.DefaultEngineConfig()
	cfg.AttributeRules = []config.AttributeRuleConfig{{Name: "str", Expr: `login + "x"`}}
	_, err = New(Options{
		Config:    cfg,
		Stats:     stats,
		Blacklist: policy.New(policy.Blacklist, policy.Options{}),
		Whitelist: policy.New(policy.Whitelist, policy.Options{}),
	})
	assert.Error(t, err)
}

func TestChainOrderIsConfigurable(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) {
		c.Chain = []string{"attributes", "lists"}
		c.AttributeRules = []config.AttributeRuleConfig{{Name: "imap", Expr: `protocol == "imap"`, Message: "no imap"}}
	})
	ctx := context.Background()
	require.NoError(t, e.Whitelist().Add(ctx, policy.TypeLogin, "vip", time.Minute, ""))

	resp := e.Allow(ctx, LoginTuple{Login: "vip", Remote: "1.1.1.1", Protocol: "imap"})
	assert.Equal(t, -1, resp.Status)
	assert.Equal(t, "no imap", resp.Msg)
}

func TestSubnetAggregatesMappedAddresses(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) {
		c.Thresholds = []config.ThresholdConfig{{Name: "subnet", DB: "OneHourDB", Field: "countLogins", KeyShape: "subnet", Limit: 4}}
	})
	ctx := context.Background()

	e.Report(ctx, LoginTuple{Login: "a", Remote: "114.31.193.200"})
	e.Report(ctx, LoginTuple{Login: "b", Remote: "::ffff:114.31.193.201"})
	e.Report(ctx, LoginTuple{Login: "c", Remote: "114.31.193.7"})
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "d", Remote: "114.31.193.1"}).Status)

	e.Report(ctx, LoginTuple{Login: "d", Remote: "::ffff:114.31.193.9"})
	assert.Equal(t, -1, e.Allow(ctx, LoginTuple{Login: "e", Remote: "114.31.193.99"}).Status)
	assert.Equal(t, 0, e.Allow(ctx, LoginTuple{Login: "e", Remote: "114.31.194.1"}).Status)
}

func TestLoginCanonicalization(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.EngineConfig) {
		c.LowercaseLogins = true
		c.DefaultDomain = "example.com"
	})
	assert.Equal(t, "bob@example.com", e.CanonicalLogin(" Bob "))
	assert.Equal(t, "bob@other.org", e.CanonicalLogin("BOB@other.org"))

	assert.Equal(t, int64(1), e.IncLogins("Bob"))
	assert.Equal(t, int64(1), e.CountLogins("bob@example.com"))
}

func TestNamedCounterCommands(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	assert.Equal(t, int64(1), e.IncLogins("resetFieldTest"))
	assert.Equal(t, int64(2), e.IncLogins("resetFieldTest"))
	assert.Equal(t, int64(2), e.CountLogins("resetFieldTest"))
	e.ResetLogins("resetFieldTest")
	assert.Equal(t, int64(0), e.CountLogins("resetFieldTest"))
}

func TestResetRequiresKey(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.ErrorIs(t, e.Reset(context.Background(), "", ""), ErrNoResetKey)
	_, err := e.GetDBStats("", "")
	assert.ErrorIs(t, err, ErrNoResetKey)
}

func TestGetDBStats(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	e.Report(ctx, LoginTuple{Login: "ivbaddie", Remote: "127.0.0.1", PwHash: "a"})
	e.Report(ctx, LoginTuple{Login: "ivbaddie", Remote: "127.0.0.1", PwHash: "b"})
	e.IncLogins("ivbaddie")
	require.NoError(t, e.Blacklist().Add(ctx, policy.TypeLogin, "ivbaddie", time.Minute, "stats test"))

	s, err := e.GetDBStats("ivbaddie", "")
	require.NoError(t, err)
	assert.Equal(t, "login", s.KeyName)
	assert.True(t, s.Blacklisted)
	assert.Equal(t, "stats test", s.BLReason)
	assert.Equal(t, int64(2), s.Stats["OneHourDB"]["countLogins"])
	assert.Equal(t, int64(2), s.Stats["OneHourDB"]["diffPasswords"])
	assert.Equal(t, int64(1), s.Named[LoginsCounter])
	require.Contains(t, s.Windows["OneHourDB"], "countLogins")
	assert.Equal(t, int64(2), s.Windows["OneHourDB"]["countLogins"][0])
	assert.Equal(t, int64(2), s.Windows["OneHourDB"]["diffPasswords"][0])

	s, err = e.GetDBStats("ivbaddie", "::ffff:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ip_login", s.KeyName)
	assert.Equal(t, "127.0.0.1:ivbaddie", s.KeyValue)
	assert.Equal(t, int64(2), s.Stats["OneHourDB"]["countLogins"])

	s, err = e.GetDBStats("", "10.10.10.10")
	require.NoError(t, err)
	assert.Empty(t, s.Stats)
}

func TestEventsAreNotified(t *testing.T) {
	e, n := newTestEngine(t, nil)
	ctx := context.Background()

	e.Report(ctx, LoginTuple{Login: "x", Remote: "1.1.1.1"})
	e.Allow(ctx, LoginTuple{Login: "x", Remote: "1.1.1.1"})
	require.NoError(t, e.Whitelist().Add(ctx, policy.TypeJA3, "fp", time.Minute, "r"))
	require.NoError(t, e.Whitelist().Delete(ctx, policy.TypeJA3, "fp"))
	require.NoError(t, e.Reset(ctx, "x", ""))

	assert.Equal(t, []string{"report", "allow", "addwl", "delwl", "reset"}, n.names())

	add := n.loads[2].(*ListEvent)
	assert.Equal(t, "wforce_addblwl", add.Type)
	assert.Equal(t, "ja3", add.WLType)
	assert.Equal(t, int64(60), add.ExpireSecs)

	allow := n.loads[1].(*AllowEvent)
	assert.Equal(t, 0, allow.AllowStatus())
}

func TestMetricsSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	e.Report(ctx, LoginTuple{Login: "x", Remote: "1.1.1.1"})
	require.NoError(t, e.Blacklist().Add(ctx, policy.TypeLogin, "x", time.Minute, ""))

	snap, err := e.MetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, snap.StatsDBKeys["OneHourDB"], 0)
	assert.Equal(t, 1, snap.Blacklist["login"])
	assert.Equal(t, 0, snap.Whitelist["ip"])
}

func TestLoginTupleTimestamp(t *testing.T) {
	lt := LoginTuple{Time: 1_700_000_000.5}
	assert.Equal(t, time.Unix(1_700_000_000, 500_000_000), lt.At())
	assert.True(t, (&LoginTuple{}).At().IsZero())
}
