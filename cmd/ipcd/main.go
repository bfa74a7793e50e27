// Command ipcd boots the IPC core, runs a name service on phone 0 with a
// batch of client tasks talking to it, and serves the debug endpoints until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/server"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/workload"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ipcd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("Falling back to the default logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	metrics := monitoring.NewMetrics()
	k := ipc.NewKernel(cfg.ToLimits(), logger.Named("kernel"), metrics)
	defer k.Shutdown()

	logger.Info("Kernel booted",
		zap.String("kernel", string(k.ID())),
		zap.Int64("max_async_calls", cfg.IPC.MaxAsyncCalls),
		zap.Int("max_caps", cfg.IPC.MaxCaps),
	)

	ns, err := workload.StartNameService(k, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ns.Stop(); err != nil {
			logger.Error("Name service failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	var srv *server.Server
	if cfg.Server.Enabled {
		srvCfg := server.DefaultConfig()
		srvCfg.Host = cfg.Server.Host
		srvCfg.Port = cfg.Server.Port
		srv = server.NewServer(srvCfg, k, logger)
		go func() {
			if err := srv.Run(); err != nil {
				errChan <- err
			}
		}()
	}

	start := time.Now()
	stats, err := workload.RunClients(ctx, k, workload.Config{
		Clients: cfg.Demo.Clients,
		Calls:   cfg.Demo.Calls,
	}, logger)
	if err != nil && ctx.Err() == nil {
		logger.Error("Workload failed", zap.Error(err))
	}
	logger.Info("Workload finished",
		zap.Int64("sync", stats.Sync),
		zap.Int64("async", stats.Async),
		zap.Int64("answers", stats.Answers),
		zap.Int64("limited", stats.Limited),
		zap.Int64("failures", stats.Failures),
		zap.Duration("elapsed", time.Since(start)),
	)

	if srv == nil {
		return nil
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case err := <-errChan:
		return fmt.Errorf("debug server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Debug server shutdown", zap.Error(err))
	}
	return nil
}
