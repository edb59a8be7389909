package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/convergd/convergd/internal/app"
	"github.com/convergd/convergd/internal/config"
	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/source"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "convergd",
		Short:         "Dependency-ordered reconciliation of declared cluster state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	cmd.AddCommand(
		newRunCommand(&configPath),
		newValidateCommand(&configPath),
	)
	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath)
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	var flags *pflag.FlagSet

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Fetch the source once and check that the desired state compiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			showObjects, _ := flags.GetBool("objects")
			return runValidate(cmd, *configPath, showObjects)
		},
	}

	flags = cmd.Flags()
	flags.Bool("objects", false, "List every object key per group")
	return cmd
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.Log.Level, cfg.Log.Format, cfg.Log.Colors)

	log.Info().Str("config", configPath).Msg("Starting convergd")

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	// Wait for shutdown
	application.Wait()

	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	return nil
}

func runValidate(cmd *cobra.Command, configPath string, showObjects bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Keep validation output readable; only problems get logged.
	setupLogging("warn", cfg.Log.Format, cfg.Log.Colors)

	var driver source.Driver
	switch cfg.Source.Driver {
	case "http":
		driver, err = source.NewHTTP(cfg.Source.URL, cfg.Source.HTTPTimeout.Duration())
		if err != nil {
			return err
		}
	default:
		driver = source.NewFS(cfg.Source.Path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Source.HTTPTimeout.Duration())
	defer cancel()

	rev, tree, err := driver.Latest(ctx)
	if err != nil {
		return fmt.Errorf("source fetch failed: %w", err)
	}

	g, err := graph.NewBuilder(cfg.Reconciler.DefaultInterval.Duration()).Build(rev, tree)
	if err != nil {
		return fmt.Errorf("revision %s rejected: %w", rev.Digest, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "revision %s: %d files, %d groups\n", rev.Digest, len(tree), len(g.Order))
	for i, name := range g.Order {
		grp := g.Groups[name]
		if len(grp.DependsOn) > 0 {
			fmt.Fprintf(out, "%3d. %s (%d objects, after %s)\n", i+1, name, len(grp.Manifests), strings.Join(grp.DependsOn, ", "))
		} else {
			fmt.Fprintf(out, "%3d. %s (%d objects)\n", i+1, name, len(grp.Manifests))
		}
		if showObjects {
			for _, m := range grp.Manifests {
				fmt.Fprintf(out, "       %s\n", m.Key())
			}
		}
	}
	return nil
}

func setupLogging(level, format string, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if format == "json" {
		// JSON output for production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
