// Package main is the entry point for the Agent Supervisor Core process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/bus"
	"github.com/kandev/agentsupervisor/internal/config"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/health"
	"github.com/kandev/agentsupervisor/internal/lifecycle"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/session"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting agent supervisor core")

	// 3. Create the state/log directories. Failure here is fatal to the
	// process (§7).
	for _, dir := range []string{cfg.StateDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("failed to create required directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	// 4. Create context with cancellation for background components.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Construct the Session Manager. A missing multiplexer binary (or, for
	// the Docker backend, an unreachable daemon) fails fast here and the
	// process refuses to come up (§4.1, §7).
	var sessionMgr session.Manager
	switch cfg.SessionBackend {
	case "docker":
		sessionMgr, err = session.NewDockerManager(ctx, session.DockerConfig{
			Host:       cfg.Docker.Host,
			APIVersion: cfg.Docker.APIVersion,
			Image:      cfg.Docker.Image,
		}, log)
	case "", "pty":
		sessionMgr, err = session.NewPTYManager(log)
	default:
		err = fmt.Errorf("unrecognised SESSION_BACKEND %q", cfg.SessionBackend)
	}
	if err != nil {
		log.Fatal("session manager unavailable", zap.String("backend", cfg.SessionBackend), zap.Error(err))
	}

	// 6. Construct the event stream, health monitor, and message bus. A
	// NATS broadcaster is wired in only when NATS_URL is configured; the
	// core otherwise stays single-node (§1, §2).
	stream := events.NewStream(log)

	prober := health.NewLauncherProber(cfg.StateDir)
	healthMonitor := health.New(prober, stream, health.DefaultThresholds(), log)

	var broadcaster bus.Broadcaster
	if cfg.NATSURL != "" {
		nb, err := bus.NewNATSBroadcaster(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			log.Fatal("nats broadcaster unavailable", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		defer nb.Close()
		broadcaster = nb
	}

	messageBus := bus.New(bus.Config{
		MaxAttempts:    cfg.Message.RetryMax,
		QueueSoftLimit: cfg.Message.QueueSoftLimit,
	}, stream, broadcaster, log)

	// 7. Construct the Lifecycle Controller, the only write path over the
	// agent registry.
	controller := lifecycle.New(*cfg, sessionMgr, messageBus, healthMonitor, stream, log)

	// 8. Log every controller event at info level; a production deployment
	// wires this into the HTTP/websocket adapters the core treats as
	// external collaborators (§1).
	go logEvents(ctx, controller, log)

	log.Info("agent supervisor core ready", zap.String("state_dir", cfg.StateDir), zap.Int("max_agents", cfg.MaxAgents))

	// 9. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Error("controller shutdown error", zap.Error(err))
	}

	log.Info("agent supervisor core stopped")
}

func logEvents(ctx context.Context, controller *lifecycle.Controller, log *logging.Logger) {
	ch, unsubscribe := controller.Events(ctx)
	defer unsubscribe()
	for ev := range ch {
		log.WithAgent(ev.AgentID).Info("event", zap.String("kind", string(ev.Kind)))
	}
}
