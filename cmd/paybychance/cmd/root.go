package cmd

import (
	"fmt"
	"os"

	"github.com/paybychance/paybychance/internal/app"
	"github.com/paybychance/paybychance/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "paybychance",
	Short: "PayByChance client",
	Long: `A command line client for PayByChance: sign in, browse raffle cycles,
place orders and spend vendor balances with an automatically managed session.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// setup loads the configuration and builds the client with any stored
// session restored.
func setup(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg.Log)

	a, err := app.New(cmd.Context(), cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Manager.Restore(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
