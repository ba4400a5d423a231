package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initToken string
	initUser  string
	initName  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initToken, "token", "", "backend access token")
	initCmd.Flags().StringVar(&initUser, "user", "", "user id used for messages and presence")
	initCmd.Flags().StringVar(&initName, "name", "", "display name")
}

var initCmd = &cobra.Command{
	Use:   "init <backend-url>",
	Short: "Store the backend URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the realtime backend URL and your identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.backend_url", args[0]); err != nil {
			return err
		}
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if initUser != "" {
			cfg.Default.UserID = initUser
		}
		if initName != "" {
			cfg.Default.DisplayName = initName
		}
		if cfg.Default.Room == "" {
			cfg.Default.Room = "general"
		}
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend saved to %s\n", path)
		return nil
	},
}
