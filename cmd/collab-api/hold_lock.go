package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bidroom/collab/internal/client"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

type holdLockOptions struct {
	baseURL    string
	token      string
	sectionID  string
	documentID string
}

// newHoldLockCommand holds a section lock through the HTTP API until
// interrupted, heartbeating on the configured interval.
func newHoldLockCommand() *cobra.Command {
	options := holdLockOptions{}
	cmd := &cobra.Command{
		Use:   "hold-lock",
		Short: "Acquire a section lock over HTTP and keep it alive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHoldLock(cmd, options)
		},
	}
	cmd.Flags().StringVar(&options.baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&options.token, "token", "", "Session token")
	cmd.Flags().StringVar(&options.sectionID, "section", "", "Section to lock")
	cmd.Flags().StringVar(&options.documentID, "document", "", "Document the section belongs to")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func runHoldLock(cmd *cobra.Command, options holdLockOptions) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	lockClient, err := client.New(client.Config{BaseURL: options.baseURL, Token: options.token})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lost := make(chan struct{}, 1)
	session, err := locks.NewEditSession(locks.EditSessionConfig{
		Client:            lockClient,
		SectionID:         options.sectionID,
		DocumentID:        options.documentID,
		HeartbeatInterval: viper.GetDuration("locks.heartbeat_interval"),
		ReleaseDelay:      viper.GetDuration("locks.release_delay"),
		OnLost: func(sectionID string) {
			logger.Warn("section lock lost", zap.String("section_id", sectionID))
			select {
			case lost <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	result, err := session.Focus(ctx)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("section %s is locked by %s", options.sectionID, result.LockedBy)
	}
	logger.Info("section lock held",
		zap.String("section_id", options.sectionID),
		zap.String("document_id", options.documentID))

	var holdErr error
	select {
	case <-ctx.Done():
	case <-lost:
		holdErr = errors.New("section lock lost")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.Warn("section lock release failed", zap.Error(err))
	}
	return holdErr
}
