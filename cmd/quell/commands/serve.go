package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/api"
	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/config"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/logging"
	"github.com/kyotosystems/quell/internal/monitoring"
	"github.com/kyotosystems/quell/internal/optimizer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the optimization layer with its HTTP surface",
	Long: `Start the optimizer against the configured database and expose the
report API, health check and prometheus metrics over HTTP. The process
runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting quell", zap.String("config", cfg.String()))

	opener, err := dbopen.NewSQLOpener(logging.Module(logger, "db"), cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	opt, err := optimizer.New(logging.Module(logger, "optimizer"), cfg, opener, clock.System())
	if err != nil {
		opener.Close()
		return err
	}

	var server *api.Server
	if cfg.Monitoring.Enabled {
		exporter := monitoring.NewExporter(logging.Module(logger, "monitoring"), opt)
		opt.AddObserver(exporter)

		server = api.NewServer(logging.Module(logger, "api"), cfg.Monitoring.ListenAddr, opt, exporter)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("API server failed", zap.Error(err))
			}
		}()
	}

	watcher, err := config.NewWatcher(logging.Module(logger, "config"), cfgFile)
	if err == nil {
		if werr := watcher.Start(func(next config.Config) {
			// Thresholds and TTLs apply live; structural settings such as
			// pool sizes need a restart.
			opt.ApplyTunables(next)
			logger.Info("Configuration reloaded",
				zap.String("next", next.String()))
		}); werr != nil {
			logger.Warn("Config watcher not started", zap.Error(werr))
		}
	} else {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	var shutdownErr error
	if watcher != nil {
		shutdownErr = multierr.Append(shutdownErr, watcher.Stop())
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		shutdownErr = multierr.Append(shutdownErr, server.Stop(ctx))
		cancel()
	}
	shutdownErr = multierr.Append(shutdownErr, opt.Shutdown())
	shutdownErr = multierr.Append(shutdownErr, opener.Close())

	if shutdownErr != nil {
		logger.Error("Shutdown finished with errors", zap.Error(shutdownErr))
		return shutdownErr
	}
	logger.Info("Quell stopped")
	return nil
}
