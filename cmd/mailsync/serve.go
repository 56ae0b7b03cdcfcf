package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/progress"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run keep-alive and periodic sync, serving tools on stdio",
	Long: "Keeps account sessions alive, synchronizes on the configured intervals " +
		"and answers MCP tool requests on stdin/stdout until stdin closes or a signal arrives.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := app.logger
		logger.Info("Starting mailsync server")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		events, unsubscribe := app.manager.Tracker().Subscribe("")
		defer unsubscribe()
		go logEvents(logger, events)

		app.manager.StartBackground()

		server := mcp.NewServer(app.manager, Version, logger)
		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Run(ctx)
		}()

		var err error
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
		case err = <-errChan:
			if err != nil {
				logger.WithError(err).Error("Server error")
			}
		}

		logger.Info("Shutting down mailsync server")
		return err
	},
}

// logEvents records the end of every background operation.
func logEvents(logger *logrus.Logger, events <-chan progress.Event) {
	for ev := range events {
		if ev.Type != progress.EventEnd {
			continue
		}
		op := ev.Operation
		entry := logger.WithFields(logrus.Fields{
			"account":   op.Account,
			"kind":      op.Kind,
			"operation": op.ID,
			"state":     op.State.String(),
			"duration":  op.Ended.Sub(op.Started).String(),
		})
		if op.State == progress.Failed {
			entry.WithField("cause", op.Cause).Warn("Operation failed")
			continue
		}
		entry.Debug("Operation ended")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
