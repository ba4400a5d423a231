package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendWait         time.Duration
	sendAnnouncement bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait up to this long for the message to be echoed back")
	sendCmd.Flags().BoolVar(&sendAnnouncement, "announce", false, "send as an announcement")
	sendCmd.Flags().StringVar(&accessCode, "code", "", "access code for private rooms")
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to the room",
	Long:  "Send a message. When the backend is unreachable the message is kept in the local queue and sent on the next flush.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+sendWait)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		if e.cfg.Default.UserID == "" {
			return errors.New("no user_id. Run 'chatsync config set default.user_id <id>'")
		}
		sess, err := e.openSession(ctx)
		if err != nil {
			return err
		}

		delivered := make(chan chatsync.Message, 16)
		sess.OnStatusChange(func(m chatsync.Message) {
			if m.Status != chatsync.StatusDelivered {
				return
			}
			select {
			case delivered <- m:
			default:
			}
		})

		if err := sess.Join(ctx, accessCode, e.self(), nil, nil); err != nil {
			return err
		}

		msg, err := sess.Send(ctx, chatsync.Draft{
			SenderID:       e.cfg.Default.UserID,
			Content:        strings.Join(args, " "),
			Language:       e.cfg.Default.Language,
			IsAnnouncement: sendAnnouncement,
		})
		if err != nil {
			return err
		}
		if cur, ok := sess.Tracker().Get(msg.ClientID); ok {
			msg = cur
		}

		if sendWait > 0 && msg.Status == chatsync.StatusSent {
			timeout := time.After(sendWait)
		wait:
			for {
				select {
				case m := <-delivered:
					if m.ClientID == msg.ClientID {
						msg = m
						break wait
					}
				case <-timeout:
					break wait
				case <-ctx.Done():
					break wait
				}
			}
		}

		fmt.Printf("%s  %s\n", msg.ClientID, msg.Status)
		if msg.ServerID != "" {
			fmt.Printf("  server id: %s\n", msg.ServerID)
		}
		if msg.Status == chatsync.StatusQueued || msg.Status == chatsync.StatusFailed {
			fmt.Println("  queued locally; run 'chatsync queue flush' once the backend is reachable")
		}
		return nil
	},
}
