package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cleancut/internal/app"
	"github.com/MrWong99/cleancut/internal/config"
)

// cli carries state shared by every subcommand: the loaded config and the
// level of the installed logger.
type cli struct {
	configPath string
	cfg        *config.Config
	fromFile   bool
	level      *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	rootCmd := &cobra.Command{
		Use:   "cleancut",
		Short: "Silence detection broker for video editor panels",
		Long: "cleancut runs silence analysis on audio files and relays the results to an " +
			"editor panel connected over WebSocket, which applies cuts, mutes and deletions.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newPeerCmd(c),
		newDetectCmd(c),
		newStatsCmd(c),
		newDecimateCmd(c),
	)
	return rootCmd
}

// load reads the config file and installs the logger. A missing file is fine
// as long as --config was not given explicitly; the defaults are used then.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
		c.fromFile = true
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config file %q not found", c.configPath)
	default:
		return err
	}
	c.cfg = cfg

	c.level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: c.level})))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
