package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"
)

// Key shapes a counter or threshold can be keyed on.
var validKeyShapes = map[string]bool{
	"login":    true,
	"ip":       true,
	"ip_login": true,
	"subnet":   true,
	"ja3":      true,
	"ip_ja3":   true,
}

// maxExpireSecs is the longest entry lifetime that fits in a time.Duration.
const maxExpireSecs = int64(math.MaxInt64 / int64(time.Second))

var validRuleStages = map[string]bool{
	"lists":      true,
	"thresholds": true,
	"attributes": true,
}

var validWebhookEvents = map[string]bool{
	"allow": true, "report": true, "reset": true,
	"addbl": true, "delbl": true, "expirebl": true,
	"addwl": true, "delwl": true, "expirewl": true,
}

// CounterConfig describes which stats DB field a report increments.
type CounterConfig struct {
	Name     string `toml:"name"`
	DB       string `toml:"db"`
	Field    string `toml:"field"`
	KeyShape string `toml:"key"`   // login, ip, ip_login, subnet, ja3, ip_ja3
	When     string `toml:"when"`  // failure (default), success, always
	Value    string `toml:"value"` // Item source for hll/countmin fields: pwhash, login, ip, device_id, protocol, attr:<name>
}

// ThresholdConfig denies a login once a windowed counter reaches Limit.
type ThresholdConfig struct {
	Name            string `toml:"name"`
	DB              string `toml:"db"`
	Field           string `toml:"field"`
	KeyShape        string `toml:"key"`
	Limit           int64  `toml:"limit"`
	Message         string `toml:"message"`
	BlacklistSecs   int    `toml:"blacklist_secs"` // When > 0, also blacklist the offending key for this long
	BlacklistReason string `toml:"blacklist_reason"`
}

// AttributeRuleConfig denies a login when a CEL expression over the request
// attributes evaluates to true.
type AttributeRuleConfig struct {
	Name    string `toml:"name"`
	Expr    string `toml:"expr"`
	Message string `toml:"message"`
}

// EngineConfig holds the decision engine rule chain.
type EngineConfig struct {
	Chain           []string              `toml:"chain"`           // Ordered stages: lists, thresholds, attributes
	WhitelistScope  string                `toml:"whitelist_scope"` // "any" (default): any whitelist match allows. "same": only overrides blacklist entries of the same type and key
	LowercaseLogins bool                  `toml:"lowercase_logins"`
	DefaultDomain   string                `toml:"default_domain"` // Appended to logins without '@'
	Counters        []CounterConfig       `toml:"counter"`
	Thresholds      []ThresholdConfig     `toml:"threshold"`
	AttributeRules  []AttributeRuleConfig `toml:"attribute_rule"`
}

// GetChain returns the configured stage order.
func (e *EngineConfig) GetChain() []string {
	if len(e.Chain) > 0 {
		return e.Chain
	}
	return []string{"lists", "thresholds", "attributes"}
}

func (e *EngineConfig) GetWhitelistScope() string {
	if e.WhitelistScope == "same" {
		return "same"
	}
	return "any"
}

// DefaultEngineConfig returns counters and thresholds that deny after 100
// failed logins for one login/IP pair within an hour.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Chain: []string{"lists", "thresholds", "attributes"},
		Counters: []CounterConfig{
			{Name: "login_failures", DB: "OneHourDB", Field: "countLogins", KeyShape: "login", When: "failure"},
			{Name: "ip_failures", DB: "OneHourDB", Field: "countLogins", KeyShape: "ip", When: "failure"},
			{Name: "ip_login_failures", DB: "OneHourDB", Field: "countLogins", KeyShape: "ip_login", When: "failure"},
			{Name: "subnet_failures", DB: "OneHourDB", Field: "countLogins", KeyShape: "subnet", When: "failure"},
			{Name: "login_passwords", DB: "OneHourDB", Field: "diffPasswords", KeyShape: "login", When: "failure", Value: "pwhash"},
			{Name: "login_ips", DB: "OneHourDB", Field: "diffIPs", KeyShape: "login", When: "always", Value: "ip"},
		},
		Thresholds: []ThresholdConfig{
			{Name: "ip_login", DB: "OneHourDB", Field: "countLogins", KeyShape: "ip_login", Limit: 100,
				Message: "Too many failed logins for this login from this address"},
			{Name: "login", DB: "OneHourDB", Field: "countLogins", KeyShape: "login", Limit: 500,
				Message: "Too many failed logins for this account"},
			{Name: "ip", DB: "OneHourDB", Field: "countLogins", KeyShape: "ip", Limit: 1000,
				Message: "Too many failed logins from this address"},
			{Name: "subnet", DB: "OneHourDB", Field: "countLogins", KeyShape: "subnet", Limit: 5000,
				Message: "Too many failed logins from this network"},
		},
	}
}

// Validate checks cross references between sections. It is called after
// LoadConfigFromFile and before any component is built.
func (c *Config) Validate() error {
	dbFields := make(map[string]map[string]string, len(c.StatsDBs))
	for i := range c.StatsDBs {
		db := &c.StatsDBs[i]
		if db.Name == "" {
			return fmt.Errorf("stats_db #%d: name is required", i+1)
		}
		if _, dup := dbFields[db.Name]; dup {
			return fmt.Errorf("stats_db %q: defined more than once", db.Name)
		}
		if _, err := db.GetWindowSize(); err != nil {
			return err
		}
		for field, typ := range db.Fields {
			switch typ {
			case "int", "hll", "countmin":
			default:
				return fmt.Errorf("stats_db %q: field %q has unknown type %q", db.Name, field, typ)
			}
		}
		dbFields[db.Name] = db.Fields
	}

	for _, stage := range c.Engine.GetChain() {
		if !validRuleStages[stage] {
			return fmt.Errorf("engine: unknown chain stage %q", stage)
		}
	}

	for _, ctr := range c.Engine.Counters {
		typ, err := lookupField(dbFields, ctr.DB, ctr.Field)
		if err != nil {
			return fmt.Errorf("engine counter %q: %w", ctr.Name, err)
		}
		if !validKeyShapes[ctr.KeyShape] {
			return fmt.Errorf("engine counter %q: unknown key shape %q", ctr.Name, ctr.KeyShape)
		}
		switch ctr.When {
		case "", "failure", "success", "always":
		default:
			return fmt.Errorf("engine counter %q: unknown when %q", ctr.Name, ctr.When)
		}
		if typ != "int" && ctr.Value == "" {
			return fmt.Errorf("engine counter %q: %s field requires a value source", ctr.Name, typ)
		}
		if ctr.Value != "" && !validValueSource(ctr.Value) {
			return fmt.Errorf("engine counter %q: unknown value source %q", ctr.Name, ctr.Value)
		}
	}

	for _, th := range c.Engine.Thresholds {
		typ, err := lookupField(dbFields, th.DB, th.Field)
		if err != nil {
			return fmt.Errorf("engine threshold %q: %w", th.Name, err)
		}
		if typ == "countmin" {
			return fmt.Errorf("engine threshold %q: countmin fields cannot be thresholded", th.Name)
		}
		if !validKeyShapes[th.KeyShape] {
			return fmt.Errorf("engine threshold %q: unknown key shape %q", th.Name, th.KeyShape)
		}
		if th.Limit <= 0 {
			return fmt.Errorf("engine threshold %q: limit must be positive", th.Name)
		}
		if th.BlacklistSecs < 0 || int64(th.BlacklistSecs) > maxExpireSecs {
			return fmt.Errorf("engine threshold %q: blacklist_secs out of range", th.Name)
		}
	}

	for _, r := range c.Engine.AttributeRules {
		if strings.TrimSpace(r.Expr) == "" {
			return fmt.Errorf("engine attribute rule %q: expr is required", r.Name)
		}
	}

	for _, list := range []struct {
		name  string
		hosts []string
	}{{"allowed_hosts", c.API.AllowedHosts}, {"trusted_proxies", c.API.TrustedProxies}} {
		for _, h := range list.hosts {
			if !validHost(h) {
				return fmt.Errorf("api.%s: %q is neither an IP address nor a CIDR block", list.name, h)
			}
		}
	}

	switch c.Persistence.Backend {
	case "", "none", "sqlite":
	case "postgres":
		if c.Persistence.PostgresDSN == "" {
			return fmt.Errorf("persistence: postgres backend requires postgres_dsn")
		}
	case "redis":
		if c.Persistence.Redis.Addr == "" {
			return fmt.Errorf("persistence: redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("persistence: unknown backend %q", c.Persistence.Backend)
	}
	if (c.Blacklist.Persist || c.Whitelist.Persist) && (c.Persistence.Backend == "" || c.Persistence.Backend == "none") {
		return fmt.Errorf("persistence: lists are marked persist but no backend is configured")
	}

	if _, err := DecodeKey(c.Replication.EncryptionKey); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	for _, s := range c.Replication.Siblings {
		if _, err := DecodeKey(s.EncryptionKey); err != nil {
			return fmt.Errorf("replication sibling %q: %w", s.Address, err)
		}
	}

	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook #%d: url is required", i+1)
		}
		for _, ev := range hook.Events {
			if !validWebhookEvents[ev] {
				return fmt.Errorf("webhook #%d: unknown event %q", i+1, ev)
			}
		}
	}
	return nil
}

func lookupField(dbFields map[string]map[string]string, db, field string) (string, error) {
	fields, ok := dbFields[db]
	if !ok {
		return "", fmt.Errorf("unknown stats_db %q", db)
	}
	typ, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("stats_db %q has no field %q", db, field)
	}
	return typ, nil
}

func validHost(h string) bool {
	if strings.Contains(h, "/") {
		_, err := netip.ParsePrefix(h)
		return err == nil
	}
	_, err := netip.ParseAddr(h)
	return err == nil
}

func validValueSource(v string) bool {
	switch v {
	case "pwhash", "login", "ip", "device_id", "protocol", "ja3":
		return true
	}
	return strings.HasPrefix(v, "attr:") && len(v) > len("attr:")
}
