package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/migadu/warden/config"
	"github.com/spf13/cobra"
)

// cli carries the state shared by every subcommand.
type cli struct {
	out        io.Writer
	configPath string
	addr       string
	apiKey     string
	client     *apiClient
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "warden-admin",
		Short: "Administer a running warden through its command API",
		Long: `warden-admin sends commands to the warden command API.

The API address and key come from the [admin_cli] section of the
configuration file and can be overridden with --addr and --api-key.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", "warden.toml", "Path to TOML configuration file")
	root.PersistentFlags().StringVar(&c.addr, "addr", "", "Command API address (overrides config)")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", "", "Command API key (overrides config)")

	root.AddCommand(
		c.allowCmd(),
		c.reportCmd(),
		c.resetCmd(),
		c.listCmd("bl", "blacklist", "BL"),
		c.listCmd("wl", "whitelist", "WL"),
		c.dbStatsCmd(),
		c.loginsCmd(),
		c.siblingCmd(),
		c.simpleCmd("ping", "Check that warden is up and healthy"),
		c.simpleCmd("stats", "Show command counts, uptime and sibling states"),
	)
	return root
}

// setup resolves the API endpoint. A missing default config file is fine;
// an explicitly named one must exist.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(c.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || cmd.Flags().Changed("config") {
			return fmt.Errorf("failed to load configuration from %s: %w", c.configPath, err)
		}
	}
	admin := cfg.AdminCLI
	if c.addr != "" {
		admin.Addr = c.addr
	}
	if c.apiKey != "" {
		admin.APIKey = c.apiKey
	}
	if admin.APIKey == "" {
		admin.APIKey = cfg.API.APIKey
	}
	if admin.APIKey == "" {
		return fmt.Errorf("no API key: set [admin_cli] api_key or pass --api-key")
	}
	c.client = newAPIClient(admin)
	return nil
}

// run calls command and prints the response as indented JSON.
func (c *cli) run(cmd *cobra.Command, command string, body any) error {
	result, err := c.client.call(cmd.Context(), command, body)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

type tupleFlags struct {
	login, remote, pwhash, protocol, deviceID string
	tls                                       bool
	attrs                                     []string
}

func (f *tupleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.login, "login", "", "Login name (required)")
	cmd.Flags().StringVar(&f.remote, "remote", "", "Client IP address (required)")
	cmd.Flags().StringVar(&f.pwhash, "pwhash", "", "Password hash")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "Protocol, e.g. imap")
	cmd.Flags().StringVar(&f.deviceID, "device-id", "", "Device identifier")
	cmd.Flags().BoolVar(&f.tls, "tls", false, "The login used TLS")
	cmd.Flags().StringArrayVar(&f.attrs, "attr", nil, "Attribute as key=value (repeatable)")
	cmd.MarkFlagRequired("login")
	cmd.MarkFlagRequired("remote")
}

func (f *tupleFlags) body() (map[string]any, error) {
	attrs, err := parseAttrs(f.attrs)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"login":  f.login,
		"remote": f.remote,
		"pwhash": f.pwhash,
		"tls":    f.tls,
	}
	if f.protocol != "" {
		body["protocol"] = f.protocol
	}
	if f.deviceID != "" {
		body["device_id"] = f.deviceID
	}
	if attrs != nil {
		body["attrs"] = attrs
	}
	return body, nil
}

func (c *cli) allowCmd() *cobra.Command {
	var f tupleFlags
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Ask whether a login attempt would be allowed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := f.body()
			if err != nil {
				return err
			}
			return c.run(cmd, "allow", body)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var (
		f       tupleFlags
		success bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report the outcome of a login attempt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := f.body()
			if err != nil {
				return err
			}
			body["success"] = success
			return c.run(cmd, "report", body)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&success, "success", false, "The login succeeded")
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	var login, ip string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear counters and the blacklist entry for a login and/or IP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if login == "" && ip == "" {
				return fmt.Errorf("at least one of --login or --ip is required")
			}
			return c.run(cmd, "reset", map[string]string{"login": login, "ip": ip})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "Login name")
	cmd.Flags().StringVar(&ip, "ip", "", "IP address")
	return cmd
}

type entryFlags struct {
	ip, netmask, login, ja3 string
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ip, "ip", "", "IP address")
	cmd.Flags().StringVar(&f.netmask, "netmask", "", "Network in CIDR notation")
	cmd.Flags().StringVar(&f.login, "login", "", "Login name")
	cmd.Flags().StringVar(&f.ja3, "ja3", "", "JA3 fingerprint")
}

func (f *entryFlags) body() (map[string]any, error) {
	if f.ip == "" && f.netmask == "" && f.login == "" && f.ja3 == "" {
		return nil, fmt.Errorf("one of --ip, --netmask, --login or --ja3 is required")
	}
	body := map[string]any{}
	for k, v := range map[string]string{"ip": f.ip, "netmask": f.netmask, "login": f.login, "ja3": f.ja3} {
		if v != "" {
			body[k] = v
		}
	}
	return body, nil
}

// listCmd builds the add/del/list subcommands of one policy list.
func (c *cli) listCmd(use, name, suffix string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Manage the %s", name),
	}

	var (
		add, del entryFlags
		expire   int64
		reason   string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: fmt.Sprintf("Add a %s entry", name),
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := add.body()
			if err != nil {
				return err
			}
			body["expire_secs"] = expire
			body["reason"] = reason
			return c.run(cmd, "add"+suffix+"Entry", body)
		},
	}
	add.register(addCmd)
	addCmd.Flags().Int64Var(&expire, "expire", 3600, "Lifetime in seconds")
	addCmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the entry")

	delCmd := &cobra.Command{
		Use:   "del",
		Short: fmt.Sprintf("Delete a %s entry", name),
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := del.body()
			if err != nil {
				return err
			}
			return c.run(cmd, "del"+suffix+"Entry", body)
		},
	}
	del.register(delCmd)

	listAll := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List active %s entries", name),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, "get"+suffix, nil)
		},
	}

	cmd.AddCommand(addCmd, delCmd, listAll)
	return cmd
}

func (c *cli) dbStatsCmd() *cobra.Command {
	var login, ip string
	cmd := &cobra.Command{
		Use:   "dbstats",
		Short: "Show counters and list status for a login and/or IP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if login == "" && ip == "" {
				return fmt.Errorf("at least one of --login or --ip is required")
			}
			return c.run(cmd, "getDBStats", map[string]string{"login": login, "ip": ip})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "Login name")
	cmd.Flags().StringVar(&ip, "ip", "", "IP address")
	return cmd
}

func (c *cli) loginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logins",
		Short: "Drive the per-login named counter",
	}
	for _, sub := range []struct{ use, command, short string }{
		{"inc", "incLogins", "Increment the counter"},
		{"count", "countLogins", "Show the counter"},
		{"reset", "resetLogins", "Reset the counter"},
	} {
		command := sub.command
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use + " LOGIN",
			Short: sub.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, command, map[string]string{"login": args[0]})
			},
		})
	}
	return cmd
}

func (c *cli) siblingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sibling",
		Short: "Manage replication siblings",
	}

	var (
		port          int
		proto, keyB64 string
	)
	add := &cobra.Command{
		Use:   "add HOST",
		Short: "Start replicating to a sibling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, "addSibling", map[string]any{
				"sibling_host":     args[0],
				"sibling_port":     port,
				"sibling_protocol": proto,
				"encryption_key":   keyB64,
			})
		},
	}
	add.Flags().IntVar(&port, "port", 4001, "Sibling replication port")
	add.Flags().StringVar(&proto, "protocol", "udp", "udp or tcp")
	add.Flags().StringVar(&keyB64, "key", "", "Base64 encryption key (defaults to the node's key)")

	var removePort int
	remove := &cobra.Command{
		Use:   "remove HOST",
		Short: "Stop replicating to a sibling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, "removeSibling", map[string]any{"sibling_host": args[0], "sibling_port": removePort})
		},
	}
	remove.Flags().IntVar(&removePort, "port", 4001, "Sibling replication port")

	set := &cobra.Command{
		Use:   "set HOST[:PORT[:PROTO]]...",
		Short: "Replace the sibling set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, "setSiblings", map[string]any{"siblings": append([]string{}, args...)})
		},
	}

	cmd.AddCommand(add, remove, set)
	return cmd
}

func (c *cli) simpleCmd(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, command, nil)
		},
	}
}
