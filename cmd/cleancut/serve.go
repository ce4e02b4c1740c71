package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/cleancut/internal/app"
	"github.com/MrWong99/cleancut/internal/config"
	"github.com/MrWong99/cleancut/internal/observe"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker on the configured port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// serve runs the broker until ctx is cancelled. Failing to bind the listen
// address is the only startup error it returns.
func (c *cli) serve(ctx context.Context, out io.Writer) error {
	slog.Info("cleancut starting",
		"version", version,
		"config", c.configPath,
		"listen_addr", c.cfg.Server.ListenAddr,
		"log_level", c.cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(c.level),
		app.WithProvider(provider),
		app.WithMetrics(metrics),
	}
	if c.fromFile {
		opts = append(opts, app.WithConfigWatch(c.configPath, 0))
	}
	application, err := app.New(ctx, c.cfg, opts...)
	if err != nil {
		slog.Error("failed to start broker", "err", err)
		return err
	}

	printStartupSummary(out, c.cfg, application.Addr())
	slog.Info("broker ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	slog.Info("goodbye")
	return runErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, addr net.Addr) {
	audit := "(disabled)"
	if cfg.Audit.PostgresDSN != "" {
		audit = "postgres"
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       cleancut · startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", addr.String())
	printRow(w, "TLS", map[bool]string{true: "enabled", false: "(disabled)"}[cfg.Server.TLS != nil])
	printRow(w, "Python", cfg.Analysis.Python)
	printRow(w, "Detector", cfg.Analysis.Detector)
	printRow(w, "Detectors", fmt.Sprint(len(cfg.Analysis.Scripts)))
	printRow(w, "Threshold", fmt.Sprintf("%g dB", cfg.Analysis.Defaults.ThresholdDB))
	printRow(w, "Audit log", audit)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, strings.TrimSpace(value))
}
