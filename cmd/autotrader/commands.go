package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/autotrader/internal/analytics"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/storage"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var serveAPI bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scan loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, g.cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			g.log.Info().
				Bool("dry_run", g.cfg.DryRun()).
				Strs("symbols", g.cfg.Strategy.Symbols).
				Dur("interval", a.worker.Interval()).
				Msg("worker starting")

			if serveAPI || g.cfg.API.Enabled {
				srv := a.apiServer()
				go func() {
					if err := srv.ListenAndServe(ctx, g.cfg.API.Addr); err != nil {
						g.log.Error().Err(err).Msg("api server stopped")
					}
				}()
			}
			return a.worker.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&serveAPI, "api", false, "also serve the HTTP API on api.addr")
	return cmd
}

func newAPICmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API without trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, g.cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()
			a.trades.Restore(ctx)

			if addr == "" {
				addr = g.cfg.API.Addr
			}
			return a.apiServer().ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default api.addr)")
	return cmd
}

func newConfigCmd(g *globals) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if err := printYAML(out, g.cfg.Redacted()); err != nil {
				return err
			}
			if symbol == "" {
				return nil
			}
			fmt.Fprintf(out, "---\n# overrides for %s\n", symbol)
			return printYAML(out, g.cfg.Overrides(symbol))
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "also print the merged overrides for this symbol")
	return cmd
}

func newSignalsCmd(g *globals) *cobra.Command {
	var (
		limit   int
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Summarize ledger signal outcomes, or preview current signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if preview {
				a, err := buildApp(cmd.Context(), g.cfg, g.log)
				if err != nil {
					return err
				}
				defer a.Close()
				return printJSON(cmd.OutOrStdout(), a.engine.Preview(cmd.Context()))
			}

			l, err := ledger.New(g.cfg.LedgerPath)
			if err != nil {
				return err
			}
			summary, err := analytics.SummarizeSignals(l, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5000, "ledger events to read")
	cmd.Flags().BoolVar(&preview, "preview", false, "evaluate the plays now without consuming cooldowns")
	return cmd
}

func newReplayCmd(g *globals) *cobra.Command {
	var (
		limit   int
		horizon time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay approved signals against the bars that followed them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := &app{cfg: g.cfg, log: g.log}
			if err := a.connect(); err != nil {
				return err
			}
			l, err := ledger.New(g.cfg.LedgerPath)
			if err != nil {
				return err
			}
			summary, err := analytics.ReplaySignals(cmd.Context(), l, analytics.RecentBars(a.prices, time.Now), analytics.ReplayOptions{
				Limit:   limit,
				Horizon: horizon,
				Logger:  g.log,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "approved signals to replay")
	cmd.Flags().DurationVar(&horizon, "horizon", 15*time.Minute, "holding period after each signal")
	return cmd
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rec, err := storage.Open(ctx, g.cfg.Storage)
			if err != nil {
				return err
			}
			defer rec.Close()
			g.log.Info().Str("driver", g.cfg.Storage.Driver).Msg("storage migrated")
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
