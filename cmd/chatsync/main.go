package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
	Store   ConfigStore   `toml:"store" mapstructure:"store"`
	Sync    ConfigSync    `toml:"sync" mapstructure:"sync"`
}

// ConfigDefault holds connection and identity settings.
type ConfigDefault struct {
	BackendURL   string `toml:"backend_url" mapstructure:"backend_url"`
	DirectoryURL string `toml:"directory_url" mapstructure:"directory_url"`
	Token        string `toml:"token" mapstructure:"token"`
	Room         string `toml:"room" mapstructure:"room"`
	UserID       string `toml:"user_id" mapstructure:"user_id"`
	DisplayName  string `toml:"display_name" mapstructure:"display_name"`
	Language     string `toml:"language" mapstructure:"language"`
	// WebhookSecret signs directory change notifications.
	WebhookSecret string `toml:"webhook_secret" mapstructure:"webhook_secret"`
}

// ConfigStore selects the local durable store.
type ConfigStore struct {
	// Driver is sqlite | redis | memory
	Driver        string `toml:"driver" mapstructure:"driver"`
	Path          string `toml:"path" mapstructure:"path"`
	RedisAddr     string `toml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `toml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `toml:"redis_db" mapstructure:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix" mapstructure:"redis_prefix"`
}

// ConfigSync tunes the sync core.
type ConfigSync struct {
	DirectoryTTL   string `toml:"directory_ttl" mapstructure:"directory_ttl"`
	FlushInterval  string `toml:"flush_interval" mapstructure:"flush_interval"`
	MaxAutoRetries int    `toml:"max_auto_retries" mapstructure:"max_auto_retries"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies CHATSYNC_* environment
// overrides (e.g. CHATSYNC_DEFAULT_ROOM). A missing file yields defaults.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range configKeys {
		v.SetDefault(k, "")
	}
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("sync.max_auto_retries", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile parses only the file, without environment overrides, so
// that saving does not persist env values.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagVerbose  bool
	flagLoopback bool
	flagRoom     string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync core CLI",
	Long:  "Command-line client for the chatsync realtime sync core.\nSend and watch room messages, inspect the offline queue and the room directory.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "development logging")
	rootCmd.PersistentFlags().BoolVar(&flagLoopback, "loopback", false, "use an in-process backend instead of backend_url")
	rootCmd.PersistentFlags().StringVarP(&flagRoom, "room", "r", "", "room id (overrides default.room)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
