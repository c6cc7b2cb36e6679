package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.campusrooms/config.toml",
	Long:  "Initialize the CLI by storing the marketplace API base URL (e.g. http://localhost:5000/api).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid base URL %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.BaseURL = args[0]
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = defaultTransport
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
