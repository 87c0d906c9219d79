package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/eternalApril/ironcache/internal/config"
	"github.com/eternalApril/ironcache/internal/logger"
	"github.com/eternalApril/ironcache/internal/persistence"
	"github.com/eternalApril/ironcache/internal/server"
	"github.com/eternalApril/ironcache/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is overridden at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "ironcache",
		Short:         "in-memory key-value server with snapshot persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configDir, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	root.Flags().StringVar(&configDir, "config", ".", "directory containing config.yaml")
	config.RegisterFlags(root.Flags())

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of ironcache",
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Printf("ironcache %s\n", Version)
			},
		},
		&cobra.Command{
			Use:   "check-snapshot <file>",
			Short: "Verify a snapshot file and print the number of live keys it holds",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := checkSnapshot(args[0])
				if err != nil {
					return err
				}
				cmd.Printf("%s: ok, %d keys\n", args[0], n)
				return nil
			},
		},
	)

	return root
}

// checkSnapshot decodes the snapshot at path and counts its live keys.
// It only reads: a temp file left by a save in progress is not touched
func checkSnapshot(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	records, err := persistence.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("check %s: %w", path, err)
	}

	return storage.New().Load(records), nil
}

// run serves clients until ctx is cancelled, then closes every connection before
// the engine stops its background loops and writes the final snapshot
func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer log.Sync() //nolint:errcheck

	log.Info("ironcache starting",
		zap.String("version", Version),
		zap.String("port", cfg.Server.Port),
		zap.Bool("snapshot", cfg.Persistence.Snapshot.Enabled),
	)

	engine, err := server.NewEngine(cfg, log)
	if err != nil {
		log.Error("cant initialize engine", zap.Error(err))
		return err
	}

	address := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", address)
	if err != nil {
		log.Error("listener error", zap.Error(err))
		return errors.Join(err, engine.Shutdown())
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := engine.Metrics().Serve(ctx, cfg.Metrics.Address, log); err != nil {
				log.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	if err := server.NewServer(engine, log).Serve(ctx, ln); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	log.Info("Shutting down...")
	if err := engine.Shutdown(); err != nil {
		log.Error("final snapshot failed", zap.Error(err))
		return err
	}

	log.Info("ironcache stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ironcache:", err)
		os.Exit(1)
	}
}
