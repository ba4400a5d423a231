package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var flagEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configShowCmd.Flags().BoolVar(&flagEffective, "effective", false, "show the configuration after CHATSYNC_* overrides")
}

// ============================================================================
// Config fields
// ============================================================================

// configField is one settable dotted key.
type configField struct {
	secret bool
	set    func(cfg *Config, value string) error
}

var configFields = map[string]configField{
	"default.backend_url": {set: func(c *Config, v string) error {
		if err := checkURL(v, "ws", "wss", "http", "https"); err != nil {
			return err
		}
		c.Default.BackendURL = v
		return nil
	}},
	"default.directory_url": {set: func(c *Config, v string) error {
		if v != "" {
			if err := checkURL(v, "http", "https"); err != nil {
				return err
			}
		}
		c.Default.DirectoryURL = v
		return nil
	}},
	"default.token":          {secret: true, set: func(c *Config, v string) error { c.Default.Token = v; return nil }},
	"default.webhook_secret": {secret: true, set: func(c *Config, v string) error { c.Default.WebhookSecret = v; return nil }},
	"default.room": {set: func(c *Config, v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("room id cannot be empty")
		}
		c.Default.Room = v
		return nil
	}},
	"default.user_id":      {set: func(c *Config, v string) error { c.Default.UserID = v; return nil }},
	"default.display_name": {set: func(c *Config, v string) error { c.Default.DisplayName = v; return nil }},
	"default.language":     {set: func(c *Config, v string) error { c.Default.Language = v; return nil }},

	"store.driver": {set: func(c *Config, v string) error {
		switch v {
		case "sqlite", "redis", "memory":
		default:
			return fmt.Errorf("must be sqlite, redis or memory")
		}
		c.Store.Driver = v
		return nil
	}},
	"store.path":           {set: func(c *Config, v string) error { c.Store.Path = v; return nil }},
	"store.redis_addr":     {set: func(c *Config, v string) error { c.Store.RedisAddr = v; return nil }},
	"store.redis_password": {secret: true, set: func(c *Config, v string) error { c.Store.RedisPassword = v; return nil }},
	"store.redis_db": {set: func(c *Config, v string) error {
		n, err := nonNegative(v)
		c.Store.RedisDB = n
		return err
	}},
	"store.redis_prefix": {set: func(c *Config, v string) error { c.Store.RedisPrefix = v; return nil }},

	"sync.directory_ttl": {set: func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("must be positive")
		}
		c.Sync.DirectoryTTL = v
		return nil
	}},
	// A negative flush interval disables the periodic drain.
	"sync.flush_interval": {set: func(c *Config, v string) error {
		if _, err := time.ParseDuration(v); err != nil {
			return err
		}
		c.Sync.FlushInterval = v
		return nil
	}},
	"sync.max_auto_retries": {set: func(c *Config, v string) error {
		n, err := nonNegative(v)
		c.Sync.MaxAutoRetries = n
		return err
	}},
}

// configKeys lists every dotted key. Viper only applies env overrides to
// keys it knows about.
var configKeys = sortedKeys(configFields)

func sortedKeys(fields map[string]configField) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue sets a config field using dot notation (e.g. "default.room").
func setConfigValue(cfg *Config, key, value string) error {
	f, ok := configFields[key]
	if !ok {
		if !strings.Contains(key, ".") {
			return fmt.Errorf("key must use dot notation: section.field (e.g. default.room)")
		}
		return fmt.Errorf("unknown config key %q (run 'chatsync config keys')", key)
	}
	if err := f.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("want a %s URL with a host", strings.Join(schemes, "/"))
}

func nonNegative(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

// ============================================================================
// Commands
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cfg *Config
			err error
		)
		if flagEffective {
			cfg, err = loadConfig()
		} else {
			path, perr := configPath()
			if perr != nil {
				return perr
			}
			if _, serr := os.Stat(path); os.IsNotExist(serr) {
				fmt.Println("No configuration file found. Run 'chatsync init <backend-url>' to create one.")
				return nil
			}
			cfg, err = readConfigFile()
		}
		if err != nil {
			return err
		}

		cfg.Default.Token = maskKey(cfg.Default.Token)
		cfg.Default.WebhookSecret = maskKey(cfg.Default.WebhookSecret)
		cfg.Store.RedisPassword = maskKey(cfg.Store.RedisPassword)
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.flush_interval 10s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if configFields[key].secret {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range configKeys {
			fmt.Println(k)
		}
	},
}
