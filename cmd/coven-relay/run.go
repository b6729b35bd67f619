// ABOUTME: The run command: wires config, storage, AI, CRM and the chat transport
// ABOUTME: Runs the transport until a signal arrives, then shuts the relay down cleanly

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/ai"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/crm"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/matrix"
	"github.com/2389/coven-relay/internal/transport/telegram"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	}
}

func runRelay(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Transport:  %s\n", cfg.Transport.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Debounce:   %s\n", cfg.Relay.Debounce)
	green.Print("    ▶ ")
	fmt.Printf("Inactivity: %s\n", cfg.Relay.Inactivity)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:   %s\n", cfg.Storage.SnapshotPath)
	if cfg.CRM.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("CRM:        amoCRM pipeline %d\n", cfg.CRM.PipelineID)
	}
	fmt.Println()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := session.NewStore(cfg.Storage.SnapshotPath, logger)
	sessions.Load()

	tr, err := newTransport(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	controller := relay.NewController(
		sessions,
		newAIClient(cfg.AI, logger),
		newCRMClient(cfg.CRM, db, logger),
		tr,
		relayOptions(cfg),
		logger,
	)

	logger.Info("starting coven-relay",
		"config", configPath,
		"transport", tr.Name(),
		"sessions", sessions.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := tr.Run(gctx, controller.HandleEvent)
		if err == nil && gctx.Err() == nil {
			err = fmt.Errorf("%s transport stopped unexpectedly", tr.Name())
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return controller.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("coven-relay stopped")
	return nil
}

func newTransport(ctx context.Context, cfg *config.Config, db *store.SQLiteStore, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportMatrix:
		m := cfg.Transport.Matrix
		tr, err := matrix.New(matrix.Config{
			Homeserver:   m.Homeserver,
			UserID:       m.UserID,
			AccessToken:  m.AccessToken,
			DeviceID:     m.DeviceID,
			Username:     m.Username,
			Password:     m.Password,
			RecoveryKey:  m.RecoveryKey,
			AllowedRooms: m.AllowedRooms,
			DataDir:      cfg.Storage.DataDir,
		}, db, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix transport: %w", err)
		}
		if err := tr.Login(ctx); err != nil {
			return nil, err
		}
		return tr, nil
	default:
		t := cfg.Transport.Telegram
		tr, err := telegram.New(telegram.Config{
			Token:       t.Token,
			PollTimeout: t.PollTimeout.D(),
			APIEndpoint: t.APIEndpoint,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("creating telegram transport: %w", err)
		}
		return tr, nil
	}
}

func newAIClient(cfg config.AIConfig, logger *slog.Logger) ai.Client {
	backend := ai.NewDeepSeek(ai.DeepSeekConfig{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.Token,
		SystemPrompt:   cfg.SystemPrompt,
		RequestTimeout: cfg.RequestTimeout.D(),
		Thinking:       cfg.Thinking,
		Search:         cfg.Search,
	}, nil, logger)

	return ai.NewRetryingClient(backend, ai.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase.D(),
	}, logger)
}

func newCRMClient(cfg config.CRMConfig, db *store.SQLiteStore, logger *slog.Logger) crm.Client {
	if !cfg.Enabled {
		return crm.NewNop(logger)
	}
	return newAmoCRM(cfg, db, logger)
}

func newAmoCRM(cfg config.CRMConfig, db *store.SQLiteStore, logger *slog.Logger) *crm.AmoCRM {
	return crm.NewAmoCRM(crm.AmoConfig{
		BaseURL:      cfg.BaseURL,
		Subdomain:    cfg.Subdomain,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		PipelineID:   cfg.PipelineID,
		LeadName:     cfg.LeadName,
		LeadPrice:    int(cfg.LeadPrice),
		StatusIDs: map[crm.Status]int64{
			crm.StatusStart: cfg.Statuses.Start,
			crm.StatusMidle: cfg.Statuses.Midle,
			crm.StatusEnd:   cfg.Statuses.End,
			crm.StatusError: cfg.Statuses.Error,
		},
		RequestTimeout: cfg.RequestTimeout.D(),
	}, db, db, nil, logger)
}

func relayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		Debounce:          cfg.Relay.Debounce.D(),
		Inactivity:        cfg.Relay.Inactivity.D(),
		NudgePhrases:      cfg.Nudge.Phrases,
		QuestionMarker:    cfg.Nudge.QuestionMarker,
		NudgeSeed:         cfg.Nudge.Seed,
		AllowedIdentities: cfg.Relay.AllowedIdentities,
		PrivateOnly:       cfg.Relay.PrivateOnly,
		TypingIndicator:   cfg.Relay.TypingIndicator,
		FailureNotice:     cfg.Relay.FailureNotice,
	}
}
