package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchHookAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&accessCode, "code", "", "access code for private rooms")
	watchCmd.Flags().StringVar(&watchHookAddr, "hook-addr", "", "serve the directory webhook on this address (e.g. :8090)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream room messages and presence",
	Long:  "Join the room and print incoming messages and presence changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		sess, err := e.openSession(ctx)
		if err != nil {
			return err
		}

		sess.OnConnectionChanged(func(online bool) {
			if online {
				fmt.Println("-- reconnected")
			} else {
				fmt.Println("-- offline")
			}
		})
		sess.OnPersistentFailure(func(err error) {
			fmt.Printf("-- unable to reconnect: %v\n", err)
		})
		sess.Supervisor().OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (attempt %d, retry in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		sess.OnDeliveryAnomaly(func(m chatsync.Message) {
			fmt.Printf("-- message %s was accepted but never echoed\n", m.ClientID)
		})

		onPresence := func(entries []chatsync.PresenceEntry) {
			names := make([]string, 0, len(entries))
			for _, p := range entries {
				names = append(names, valueOrDefault(p.DisplayName, p.UserID))
			}
			fmt.Printf("-- online (%d): %s\n", len(names), strings.Join(names, ", "))
		}
		if err := sess.Join(ctx, accessCode, e.self(), printMessage, onPresence); err != nil {
			return err
		}

		fmt.Printf("Watching %s. Press Ctrl+C to stop.\n", sess.RoomID())
		if watchHookAddr != "" {
			stop, err := serveDirectoryHook(e, sess)
			if err != nil {
				return err
			}
			defer stop()
		}

		<-ctx.Done()
		return nil
	},
}

// serveDirectoryHook starts an HTTP server accepting signed directory change
// notifications at /hooks/directory.
func serveDirectoryHook(e *env, sess *chatsync.Session) (func(), error) {
	hook, err := chatsync.NewDirectoryWebhook(e.cfg.Default.WebhookSecret, sess.Directory(), e.log)
	if err != nil {
		return nil, fmt.Errorf("directory webhook: %w (set default.webhook_secret)", err)
	}
	hook.OnEvent(func(ev chatsync.DirectoryEvent) {
		fmt.Printf("* directory %s %v\n", ev.Event, ev.RoomIDs)
	})

	mux := http.NewServeMux()
	mux.Handle("/hooks/directory", hook)
	srv := &http.Server{Addr: watchHookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("directory webhook server stopped", zap.Error(err))
		}
	}()
	fmt.Printf("* directory webhook on %s/hooks/directory\n", watchHookAddr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
