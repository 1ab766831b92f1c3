package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/board"
	"taskboard/config"
	"taskboard/gateway"
)

var (
	configPath string
	verbose    bool
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:           "board",
		Short:         "Mirror and edit tasks, lists and groups on a board server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BOARD_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log request events")

	rootCmd.AddCommand(fetchCmd, createCmd, updateCmd, deleteCmd, toggleCmd, danglingCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session is what every subcommand works with.
type session struct {
	cfg    config.Config
	board  *board.Board
	logger *log.Logger
}

func newSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(log.WarnLevel)
	if verbose {
		logger.SetLevel(log.InfoLevel)
	}
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	gws, err := board.HTTPGateways(gateway.Options{
		BaseURL: cfg.API.URL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Gzip:    cfg.API.Gzip,
	})
	if err != nil {
		return nil, err
	}
	b := board.New(gws, board.Options{Policy: policy, Logger: logger, UserID: cfg.API.User})
	return &session{cfg: cfg, board: b, logger: logger}, nil
}
