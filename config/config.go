package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// parseDurationWithDefault parses s, returning def when s is empty.
func parseDurationWithDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output     string `toml:"output"`       // Log output: "stderr", "stdout", "syslog", or file path
	Format     string `toml:"format"`       // Log format: "json" or "console"
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", "error"
	SyslogTag  string `toml:"syslog_tag"`   // Syslog tag (default: "warden")
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate file output after this many megabytes (default: 100)
	MaxBackups int    `toml:"max_backups"`  // Rotated files to keep (0 keeps all)
	MaxAgeDays int    `toml:"max_age_days"` // Delete rotated files older than this (0 disables)
	Compress   bool   `toml:"compress"`     // Gzip rotated files
}

// HTTPAPIConfig holds the command API server configuration
type HTTPAPIConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	APIKey         string   `toml:"api_key"`
	AllowedHosts   []string `toml:"allowed_hosts"`   // If empty, all hosts are allowed
	TrustedProxies []string `toml:"trusted_proxies"` // Proxies whose X-Forwarded-For / X-Real-IP are honoured
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
	ReadTimeout    string   `toml:"read_timeout"`  // default: "10s"
	WriteTimeout   string   `toml:"write_timeout"` // default: "10s"
}

func (c *HTTPAPIConfig) GetReadTimeout() (time.Duration, error) {
	return parseDurationWithDefault(c.ReadTimeout, 10*time.Second)
}

func (c *HTTPAPIConfig) GetWriteTimeout() (time.Duration, error) {
	return parseDurationWithDefault(c.WriteTimeout, 10*time.Second)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// StatsDBConfig describes one named sliding-window counter database.
type StatsDBConfig struct {
	Name       string            `toml:"name"`
	WindowSize string            `toml:"window_size"` // Width of one window (e.g. "10m")
	NumWindows int               `toml:"num_windows"` // Number of windows in the ring
	MaxSize    int               `toml:"max_size"`    // Soft key limit, trimmed LRU-first by the expiry scheduler (0 = unlimited)
	V4Prefix   int               `toml:"v4_prefix"`   // Prefix length for IPv4 subnet keys (default: 24)
	V6Prefix   int               `toml:"v6_prefix"`   // Prefix length for IPv6 subnet keys (default: 64)
	Fields     map[string]string `toml:"fields"`      // field name -> "int", "hll" or "countmin"
}

func (c *StatsDBConfig) GetWindowSize() (time.Duration, error) {
	d, err := parseDurationWithDefault(c.WindowSize, time.Minute)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("stats_db %q: window_size must be at least 1s", c.Name)
	}
	return d, nil
}

func (c *StatsDBConfig) GetNumWindows() int {
	if c.NumWindows > 0 {
		return c.NumWindows
	}
	return 1
}

func (c *StatsDBConfig) GetV4Prefix() int {
	if c.V4Prefix > 0 && c.V4Prefix <= 32 {
		return c.V4Prefix
	}
	return 24
}

func (c *StatsDBConfig) GetV6Prefix() int {
	if c.V6Prefix > 0 && c.V6Prefix <= 128 {
		return c.V6Prefix
	}
	return 64
}

// ListConfig configures one policy list (blacklist or whitelist).
type ListConfig struct {
	Persist           bool `toml:"persist"`            // Write locally added entries to the persistence backend
	PersistReplicated bool `toml:"persist_replicated"` // Also persist entries received from siblings
}

// RedisConfig holds connection settings for the redis persistence backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// PersistenceConfig selects the durable store for persistent policy entries.
type PersistenceConfig struct {
	Backend     string      `toml:"backend"`      // "none", "sqlite", "postgres" or "redis"
	SQLitePath  string      `toml:"sqlite_path"`  // default: "warden.db"
	PostgresDSN string      `toml:"postgres_dsn"` // e.g. "postgres://warden:secret@db:5432/warden"
	Redis       RedisConfig `toml:"redis"`
	Timeout     string      `toml:"timeout"` // Bound on a single persistent write (default: "5s")
}

func (c *PersistenceConfig) GetTimeout() (time.Duration, error) {
	return parseDurationWithDefault(c.Timeout, 5*time.Second)
}

// SiblingConfig describes a statically configured replication peer.
type SiblingConfig struct {
	Address       string `toml:"address"`        // host[:port[:tcp|udp]]
	EncryptionKey string `toml:"encryption_key"` // base64 32-byte key; defaults to [replication].encryption_key
}

// ReplicationConfig holds sibling replication settings.
type ReplicationConfig struct {
	NodeID         string          `toml:"node_id"`          // Origin ID stamped on outgoing messages (defaults to hostname)
	Listen         string          `toml:"listen"`           // UDP and TCP listen address, empty disables receiving
	EncryptionKey  string          `toml:"encryption_key"`   // base64-encoded 32-byte secretbox key
	SendQueueSize  int             `toml:"send_queue_size"`  // Per-sibling queue (default: 5000)
	RecvQueueSize  int             `toml:"recv_queue_size"`  // Receive queue (default: 5000)
	Workers        int             `toml:"workers"`          // Receive workers (default: 2)
	ConnectTimeout string          `toml:"connect_timeout"`  // TCP connect timeout (default: "5s")
	MaxMessageAge  string          `toml:"max_message_age"`  // Messages older than this are dropped as replays (default: "5m")
	BackoffInitial string          `toml:"backoff_initial"`  // First reconnect delay (default: "1s")
	BackoffMax     string          `toml:"backoff_max"`      // Reconnect delay cap (default: "60s")
	Siblings       []SiblingConfig `toml:"sibling"`
}

func (c *ReplicationConfig) GetNodeID() string {
	if c.NodeID != "" {
		return c.NodeID
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "warden"
}

func (c *ReplicationConfig) GetSendQueueSize() int {
	if c.SendQueueSize > 0 {
		return c.SendQueueSize
	}
	return 5000
}

func (c *ReplicationConfig) GetRecvQueueSize() int {
	if c.RecvQueueSize > 0 {
		return c.RecvQueueSize
	}
	return 5000
}

func (c *ReplicationConfig) GetWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 2
}

func (c *ReplicationConfig) GetConnectTimeout() (time.Duration, error) {
	return parseDurationWithDefault(c.ConnectTimeout, 5*time.Second)
}

func (c *ReplicationConfig) GetMaxMessageAge() (time.Duration, error) {
	return parseDurationWithDefault(c.MaxMessageAge, 5*time.Minute)
}

func (c *ReplicationConfig) GetBackoffInitial() (time.Duration, error) {
	return parseDurationWithDefault(c.BackoffInitial, time.Second)
}

func (c *ReplicationConfig) GetBackoffMax() (time.Duration, error) {
	return parseDurationWithDefault(c.BackoffMax, time.Minute)
}

// DecodeKey decodes a base64 secretbox key. An empty string yields a nil key.
func DecodeKey(s string) (*[32]byte, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// ClusterConfig holds gossip discovery configuration
type ClusterConfig struct {
	Enabled   bool     `toml:"enabled"`    // Enable gossip discovery of siblings
	Addr      string   `toml:"addr"`       // Gossip listen address (must be specific IP:port, NOT 0.0.0.0 or localhost)
	Port      int      `toml:"port"`       // Gossip port (used if not specified in addr)
	NodeID    string   `toml:"node_id"`    // Unique node ID (defaults to hostname)
	Peers     []string `toml:"peers"`      // Initial seed nodes
	SecretKey string   `toml:"secret_key"` // Cluster encryption key (base64-encoded 32-byte key)
	Advertise string   `toml:"advertise"`  // Replication endpoint announced to peers as host:port[:proto] (defaults to [replication].listen)
}

// GetBindAddr returns the bind address by parsing the addr field
func (c *ClusterConfig) GetBindAddr() string {
	if c.Addr == "" {
		return ""
	}
	if i := strings.LastIndex(c.Addr, ":"); i >= 0 {
		return c.Addr[:i]
	}
	return c.Addr
}

// GetBindPort returns the bind port from addr or the port field
func (c *ClusterConfig) GetBindPort() int {
	if i := strings.LastIndex(c.Addr, ":"); i >= 0 {
		if port, err := strconv.Atoi(c.Addr[i+1:]); err == nil {
			return port
		}
	}
	if c.Port > 0 {
		return c.Port
	}
	return 7946
}

// ExpiryConfig controls the background expiry scheduler.
type ExpiryConfig struct {
	Interval             string `toml:"interval"`               // Sweep interval (default: "1s")
	PersistPurgeInterval string `toml:"persist_purge_interval"` // Interval for purging the persistence backend (default: "1m")
}

func (c *ExpiryConfig) GetInterval() (time.Duration, error) {
	return parseDurationWithDefault(c.Interval, time.Second)
}

func (c *ExpiryConfig) GetPersistPurgeInterval() (time.Duration, error) {
	return parseDurationWithDefault(c.PersistPurgeInterval, time.Minute)
}

// AdminCLIConfig holds configuration for the warden-admin CLI tool
type AdminCLIConfig struct {
	Addr               string `toml:"addr"`                 // Command API endpoint address
	APIKey             string `toml:"api_key"`              // API key for authentication
	InsecureSkipVerify *bool  `toml:"insecure_skip_verify"` // Skip TLS verification (default: true)
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	API         HTTPAPIConfig     `toml:"api"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Engine      EngineConfig      `toml:"engine"`
	StatsDBs    []StatsDBConfig   `toml:"stats_db"`
	Blacklist   ListConfig        `toml:"blacklist"`
	Whitelist   ListConfig        `toml:"whitelist"`
	Persistence PersistenceConfig `toml:"persistence"`
	Replication ReplicationConfig `toml:"replication"`
	Cluster     ClusterConfig     `toml:"cluster"`
	Expiry      ExpiryConfig      `toml:"expiry"`
	Webhooks    []WebhookConfig   `toml:"webhook"`
	AdminCLI    AdminCLIConfig    `toml:"admin_cli"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output:    "stderr",
			Format:    "console",
			Level:     "info",
			MaxSizeMB: 100,
		},
		API: HTTPAPIConfig{
			Start: true,
			Addr:  "127.0.0.1:8084",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Engine: DefaultEngineConfig(),
		StatsDBs: []StatsDBConfig{
			{
				Name:       "OneHourDB",
				WindowSize: "10m",
				NumWindows: 6,
				MaxSize:    500000,
				V4Prefix:   24,
				V6Prefix:   64,
				Fields: map[string]string{
					"countLogins":   "int",
					"diffPasswords": "hll",
					"diffIPs":       "hll",
				},
			},
		},
		Persistence: PersistenceConfig{
			Backend:    "none",
			SQLitePath: "warden.db",
			Timeout:    "5s",
		},
		Replication: ReplicationConfig{
			SendQueueSize:  5000,
			RecvQueueSize:  5000,
			Workers:        2,
			ConnectTimeout: "5s",
			MaxMessageAge:  "5m",
		},
		Cluster: ClusterConfig{
			Port: 7946,
		},
		Expiry: ExpiryConfig{
			Interval:             "1s",
			PersistPurgeInterval: "1m",
		},
		AdminCLI: AdminCLIConfig{
			Addr: "http://127.0.0.1:8084",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file into cfg. Keys
// missing from the file keep the values already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err)
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleaned, parseErr := removeDuplicateKeysFromTOML(string(content))
		if parseErr != nil {
			return enhanceConfigError(err)
		}
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out repeated keys, keeping the first
// occurrence. Each [[array.table]] instance starts a fresh key scope.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	result := make([]string, 0, len(lines))
	section := ""

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		case strings.Contains(trimmed, "="):
			key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
			fullKey := key
			if section != "" {
				fullKey = section + "." + key
			}
			if prev, ok := seen[fullKey]; ok {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prev+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seen[fullKey] = lineNum
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	case strings.Contains(msg, "expected value but found \"f\"") ||
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	case strings.Contains(msg, "expected") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file. "+
			"Check quoting, bracket balance and [section] / [[array]] headers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Map:
		if v.IsNil() || v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, k := range v.MapKeys() {
			v.SetMapIndex(k, reflect.ValueOf(strings.TrimSpace(v.MapIndex(k).String())))
		}
	}
}
