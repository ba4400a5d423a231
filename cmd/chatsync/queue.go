package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline message queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		sess, err := e.openSession(ctx)
		if err != nil {
			return err
		}

		entries := sess.Outbox().Entries()
		if len(entries) == 0 {
			fmt.Printf("No queued messages in %s.\n", sess.RoomID())
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT ID\tENQUEUED\tATTEMPTS\tCONTENT\tLAST ERROR")
		for _, en := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				en.Message.ClientID,
				en.EnqueuedAt.Local().Format(time.DateTime),
				en.AttemptCount,
				truncate(en.Message.Content, 40),
				en.LastError)
		}
		return w.Flush()
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every queued message now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDrain(func(ctx context.Context, sess *chatsync.Session) (chatsync.DrainResult, error) {
			return sess.Flush(ctx, chatsync.DrainAll)
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <client-id>",
	Short: "Retry one message and drain the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDrain(func(ctx context.Context, sess *chatsync.Session) (chatsync.DrainResult, error) {
			return sess.Retry(ctx, args[0])
		})
	},
}

func runDrain(drain func(context.Context, *chatsync.Session) (chatsync.DrainResult, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	sess, err := e.openSession(ctx)
	if err != nil {
		return err
	}

	res, err := drain(ctx, sess)
	if err != nil {
		return err
	}
	if res.Busy {
		fmt.Println("Drain skipped: offline or another drain is running.")
		return nil
	}
	fmt.Printf("Attempted %d, sent %d, failed %d, remaining %d\n",
		res.Attempted, res.Sent, res.Failed, sess.Outbox().Len())
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
