package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

type globals struct {
	configPath string
	envFile    string
	logLevel   string

	cfg config.Root
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "autotrader",
		Short:         "Intraday equities trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "config/config.yaml", "config file (defaults are used when missing)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newWorkerCmd(g),
		newAPICmd(g),
		newConfigCmd(g),
		newSignalsCmd(g),
		newReplayCmd(g),
		newMigrateCmd(g),
	)
	return root
}

// load reads .env, the config file and the environment, in that order.
func (g *globals) load() error {
	if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", g.envFile, err)
	}

	cfg, err := config.Load(g.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		return fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	cfg.ApplyEnv()
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	g.cfg = cfg

	g.log = observ.NewLogger(cfg.Log.Level)
	observ.SetLogger(g.log)
	if v := os.Getenv("AUTOTRADER_VERSION"); v != "" {
		observ.SetVersion(v)
	}
	return nil
}
