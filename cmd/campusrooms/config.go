package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.campusrooms/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Metrics  ConfigMetrics  `toml:"metrics"`
}

type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the stored login. Token is the bearer credential; the
// other fields are what it decoded to at login time.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
	Name   string `toml:"name"`
}

type ConfigRealtime struct {
	Transport         string `toml:"transport"`
	ConnectTimeout    string `toml:"connect_timeout"`
	AutoReconnect     *bool  `toml:"auto_reconnect,omitempty"`
	ReconcileSchedule string `toml:"reconcile_schedule"`
}

type ConfigMetrics struct {
	Listen string `toml:"listen"`
}

const (
	defaultBaseURL        = "http://localhost:5000/api"
	defaultTransport      = "websocket"
	defaultConnectTimeout = 10 * time.Second
)

func (c *Config) baseURL() string {
	return valueOrDefault(c.Default.BaseURL, defaultBaseURL)
}

func (c *Config) transport() string {
	return valueOrDefault(c.Realtime.Transport, defaultTransport)
}

func (c *Config) connectTimeout() (time.Duration, error) {
	if c.Realtime.ConnectTimeout == "" {
		return defaultConnectTimeout, nil
	}
	d, err := time.ParseDuration(c.Realtime.ConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("realtime.connect_timeout: %w", err)
	}
	return d, nil
}

func (c *Config) autoReconnect() bool {
	return c.Realtime.AutoReconnect == nil || *c.Realtime.AutoReconnect
}

func (c *Config) reconcileSchedule() string {
	return valueOrDefault(c.Realtime.ReconcileSchedule, campusrooms.DefaultReconcileSchedule)
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// CAMPUSROOMS_HOME overrides the default ~/.campusrooms.
func configDir() (string, error) {
	dir := os.Getenv("CAMPUSROOMS_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".campusrooms")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// setConfigValue sets a config field using dot notation (e.g. "realtime.transport").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "role":
			cfg.Auth.Role = value
		case "name":
			cfg.Auth.Name = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			if value != "websocket" && value != "sse" {
				return fmt.Errorf("realtime.transport must be websocket or sse")
			}
			cfg.Realtime.Transport = value
		case "connect_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("realtime.connect_timeout: %w", err)
			}
			cfg.Realtime.ConnectTimeout = value
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("realtime.auto_reconnect: %w", err)
			}
			cfg.Realtime.AutoReconnect = &b
		case "reconcile_schedule":
			if err := campusrooms.ValidateSchedule(value); err != nil {
				return err
			}
			cfg.Realtime.ReconcileSchedule = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "metrics":
		switch field {
		case "listen":
			cfg.Metrics.Listen = value
		default:
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, metrics)", section)
	}
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View or modify the configuration stored in ~/.campusrooms/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'campusrooms init <base-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: campusrooms config set realtime.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
