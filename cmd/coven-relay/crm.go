// ABOUTME: The crm command group: amoCRM authorization and lead listing
// ABOUTME: Tokens and leads live in the relay's SQLite database

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

func newCRMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crm",
		Short: "Manage the amoCRM integration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "auth CODE",
			Short: "Exchange an authorization code for tokens",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCRMAuth(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "leads",
			Short: "List leads created for conversations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCRMLeads(cmd)
			},
		},
	)
	return cmd
}

func openDatabase(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runCRMAuth(cmd *cobra.Command, code string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.CRM.Enabled {
		return fmt.Errorf("crm is disabled in the config")
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := newAmoCRM(cfg.CRM, db, logger).Authorize(cmd.Context(), code); err != nil {
		return fmt.Errorf("authorizing amoCRM: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Println("amoCRM authorized, tokens stored")
	return nil
}

func runCRMLeads(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	leads, err := db.ListLeads(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing leads: %w", err)
	}
	if len(leads) == 0 {
		fmt.Println("No leads yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tLEAD\tSTATUS\tUPDATED")
	for _, l := range leads {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", l.Identity, l.LeadID, l.Status, l.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
