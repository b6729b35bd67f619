// ABOUTME: The sessions command: prints the persisted session table
// ABOUTME: Matrix room numbers are resolved back to room IDs when the database knows them

package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Print the saved session table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd)
		},
	}
}

func runSessions(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	snap, err := session.ReadSnapshot(cfg.Storage.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("No sessions saved yet.")
		return nil
	}
	if err != nil {
		return err
	}

	var db *store.SQLiteStore
	if cfg.Transport.Kind == config.TransportMatrix {
		if db, err = store.NewSQLiteStore(cfg.Storage.DatabasePath); err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
	}

	keys := make([]string, 0, len(snap.Sessions))
	for k := range snap.Sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("Saved %s, %d sessions\n\n", snap.SavedAt.Local().Format(time.DateTime), len(keys))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tPEER\tCONVERSATION\tTOKEN\tPENDING")
	for _, k := range keys {
		rec := snap.Sessions[k]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d chars\n",
			k, peerLabel(cmd, db, k), orDash(rec.ConversationID), orDash(rec.ContinuationToken), len(rec.PendingText))
	}
	return w.Flush()
}

// peerLabel names the chat behind an identity. Matrix rooms are numbered
// peers stored as negative identities.
func peerLabel(cmd *cobra.Command, db *store.SQLiteStore, key string) string {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return "-"
	}
	if id > 0 {
		return "user"
	}
	if db == nil {
		return "group"
	}
	room, err := db.RoomForPeer(cmd.Context(), -id)
	if err != nil {
		return "-"
	}
	return room
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
