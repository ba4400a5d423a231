package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue and connection status",
	Long:  "Display the current configuration, the offline queue of the selected room, and ping the realtime backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend URL:   %s\n", valueOrDefault(cfg.Default.BackendURL, "(not set)"))
		if cfg.Default.DirectoryURL != "" {
			fmt.Printf("  Directory URL: %s\n", cfg.Default.DirectoryURL)
		}
		fmt.Printf("  Token:         %s\n", valueOrDefault(maskKey(cfg.Default.Token), "(not set)"))
		fmt.Printf("  User:          %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Store:         %s\n", valueOrDefault(cfg.Store.Driver, "sqlite"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			fmt.Println()
			fmt.Printf("Backend: unreachable (%v)\n", err)
			return nil
		}
		defer e.Close()

		fmt.Println()
		fmt.Println("Backend:")
		if e.ws != nil {
			start := time.Now()
			if err := e.ws.Ping(ctx); err != nil {
				fmt.Printf("  Ping:          failed (%v)\n", err)
			} else {
				fmt.Printf("  Ping:          %s\n", time.Since(start).Round(time.Millisecond))
			}
			fmt.Printf("  State:         %s\n", e.ws.State())
		} else {
			fmt.Println("  Loopback (in-process)")
		}

		sess, err := e.openSession(ctx)
		if err != nil {
			return err
		}
		entries := sess.Outbox().Entries()
		fmt.Println()
		fmt.Printf("Queue (%s):\n", sess.RoomID())
		fmt.Printf("  Pending:       %d\n", len(entries))
		if len(entries) > 0 {
			fmt.Printf("  Oldest:        %s\n", entries[0].EnqueuedAt.Format(time.RFC3339))
		}
		return nil
	},
}
