package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	roomsAll     bool
	roomsRefresh bool
	accessCode   string
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsCheckCmd)
	roomsCmd.Flags().BoolVar(&roomsAll, "all", false, "include closed rooms")
	roomsCmd.Flags().BoolVar(&roomsRefresh, "refresh", false, "ignore the cached directory")
	roomsCheckCmd.Flags().StringVar(&accessCode, "code", "", "access code for private rooms")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	Long:  "Resolve the room directory from the primary and secondary sources, using the local cache while it is fresh.",
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

		if roomsRefresh {
			if err := sess.Directory().Invalidate(ctx); err != nil {
				return err
			}
		}
		rooms, err := sess.Rooms(ctx, !roomsAll)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tDESCRIPTION")
		for _, r := range rooms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.Status, r.Description)
		}
		return w.Flush()
	},
}

var roomsCheckCmd = &cobra.Command{
	Use:   "check <room-id>",
	Short: "Check whether a room can be joined",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		flagRoom = args[0]
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		sess, err := e.openSession(ctx)
		if err != nil {
			return err
		}

		res, err := sess.Directory().ValidateRoomAccess(ctx, args[0], accessCode)
		if err != nil {
			return err
		}
		if res.Granted {
			fmt.Printf("%s: access granted\n", args[0])
			return nil
		}
		fmt.Printf("%s: access denied (%s)\n", args[0], res.Reason)
		return errors.New(string(res.Reason))
	},
}

// printMessage renders one message line.
func printMessage(m chatsync.Message) {
	ts := m.CreatedAt
	if m.ServerCreatedAt != nil {
		ts = *m.ServerCreatedAt
	}
	prefix := ""
	if m.IsAnnouncement {
		prefix = "[announcement] "
	}
	fmt.Printf("%s %s%s: %s\n", ts.Local().Format("15:04:05"), prefix, m.SenderID, m.Content)
}
