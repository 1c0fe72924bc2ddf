// Package main is the unified entry point for cdbsrv: one process hosting
// the session lifecycle manager, its recovery subsystem and audit sink,
// and the REST, MCP, and WebSocket transports over a single façade.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/audit"
	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	"github.com/kandev/cdbsrv/internal/recovery"
	"github.com/kandev/cdbsrv/internal/session"
	"github.com/kandev/cdbsrv/internal/transport/httpapi"
	"github.com/kandev/cdbsrv/internal/transport/mcp"
	"github.com/kandev/cdbsrv/internal/transport/wsnotify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting cdbsrv")

	if err := resolveDebuggerBinary(cfg); err != nil {
		log.Fatal("failed to resolve debugger binary", zap.Error(err))
	}

	bus, err := buildNotificationBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize notification bus", zap.Error(err))
	}
	defer bus.Close()

	mgr := session.New(cfg.Session, cfg.Debugger, bus, driverFactory(cfg, log), log)

	sub := recovery.New(mgr, log)
	mgr.SetRecoveryHook(sub.HandleFault)

	if cfg.Audit.Enabled {
		sink, err := audit.NewSQLiteSink(cfg.Audit.Path, log)
		if err != nil {
			log.Fatal("failed to initialize audit sink", zap.Error(err))
		}
		defer sink.Close()
		mgr.SetAuditSink(sink)
	}

	f := facade.New(mgr, log)

	ws := wsnotify.New(f, bus, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := httpapi.New(httpAddr, f, ws, log)
	if err := httpSrv.Start(); err != nil {
		log.Fatal("failed to start http api", zap.Error(err))
	}

	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcp.New(mcp.Config{Port: cfg.MCP.Port}, f, log)
		if err := mcpSrv.Start(context.Background()); err != nil {
			log.Fatal("failed to start mcp server", zap.Error(err))
		}
	}

	log.Info("cdbsrv ready",
		zap.String("http_addr", httpAddr),
		zap.Int("mcp_port", cfg.MCP.Port),
		zap.Bool("mcp_enabled", cfg.MCP.Enabled),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down cdbsrv")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http api shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("mcp server shutdown error", zap.Error(err))
		}
	}
	if err := mgr.Dispose(shutdownCtx); err != nil {
		log.Error("session manager shutdown error", zap.Error(err))
	}

	log.Info("cdbsrv stopped")
}

func resolveDebuggerBinary(cfg *config.Config) error {
	if cfg.Docker.Enabled {
		// The binary runs inside the container image; no host resolution
		// needed.
		return nil
	}
	path, err := driver.ResolveBinary(cfg.Debugger.BinaryPath, cfg.Debugger.BinaryEnvVar, cfg.Debugger.InstallLocations)
	if err != nil {
		return err
	}
	cfg.Debugger.BinaryPath = path
	return nil
}

func buildNotificationBus(cfg *config.Config, log *logger.Logger) (notify.Bus, error) {
	if cfg.NATS.URL == "" {
		return notify.NewMemoryBus(log), nil
	}
	return notify.NewNATSBus(cfg.NATS, log)
}

// driverFactory picks the child-launch profile: containerized, PTY-backed,
// or the default pipe-backed process, based on configuration.
func driverFactory(cfg *config.Config, log *logger.Logger) session.DriverFactory {
	switch {
	case cfg.Docker.Enabled:
		return func() driver.ChildDriver {
			d, err := driver.NewDockerProcess(driver.DockerConfig{Host: cfg.Docker.Host, Image: cfg.Docker.Image}, log)
			if err != nil {
				log.Error("failed to construct docker debugger driver, falling back to process driver", zap.Error(err))
				return driver.NewProcess(log)
			}
			return d
		}
	case cfg.Debugger.UsePTY:
		return func() driver.ChildDriver {
			return driver.NewPtyProcess(log)
		}
	default:
		return func() driver.ChildDriver {
			return driver.NewProcess(log)
		}
	}
}
