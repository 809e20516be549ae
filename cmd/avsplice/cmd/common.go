package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/avswitch/splicer/internal/config"
	"github.com/avswitch/splicer/internal/control"
	"github.com/avswitch/splicer/internal/egress"
	"github.com/avswitch/splicer/internal/splice"
)

// signalContext returns a context canceled on SIGINT/SIGTERM, logging the
// received signal, matching the teacher's graceful-shutdown wiring.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return ctx, cancel
}

// buildSink constructs the configured output Sink.
func buildSink(ctx context.Context, cfg config.EgressConfig, logger *slog.Logger) (splice.Sink, error) {
	switch cfg.Mode {
	case "tcp":
		sink, err := egress.NewTCP(cfg.Addr, 0, logger)
		if err != nil {
			return nil, fmt.Errorf("building tcp egress: %w", err)
		}
		return sink, nil
	case "subprocess":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("egress.command is required for subprocess mode")
		}
		sink, err := egress.NewSubprocess(ctx, cfg.Command[0], "", cfg.Command[1:], logger)
		if err != nil {
			return nil, fmt.Errorf("building subprocess egress: %w", err)
		}
		return sink, nil
	default:
		return egress.NewWriter(os.Stdout), nil
	}
}

func toSpliceFailover(cfg config.FailoverConfig) splice.FailoverConfig {
	def := splice.DefaultFailoverConfig()
	fc := splice.FailoverConfig{
		MinVideoPESForHealthy:  cfg.MinVideoPESForHealthy,
		MinAudioPUSIForHealthy: cfg.MinAudioPUSIForHealthy,
		MinConsecutiveReady:    cfg.MinConsecutiveReady,
		MaxLiveGap:             cfg.MaxLiveGap,
		AudioSyncTimeout:       cfg.AudioSyncTimeout,
		TableReemitInterval:    cfg.TableReemitInterval,
		HealthTickInterval:     cfg.HealthTickInterval,
	}
	if fc.MinVideoPESForHealthy <= 0 {
		fc.MinVideoPESForHealthy = def.MinVideoPESForHealthy
	}
	if fc.MinAudioPUSIForHealthy <= 0 {
		fc.MinAudioPUSIForHealthy = def.MinAudioPUSIForHealthy
	}
	if fc.MinConsecutiveReady <= 0 {
		fc.MinConsecutiveReady = def.MinConsecutiveReady
	}
	if fc.MaxLiveGap <= 0 {
		fc.MaxLiveGap = def.MaxLiveGap
	}
	if fc.AudioSyncTimeout <= 0 {
		fc.AudioSyncTimeout = def.AudioSyncTimeout
	}
	if fc.TableReemitInterval <= 0 {
		fc.TableReemitInterval = def.TableReemitInterval
	}
	if fc.HealthTickInterval <= 0 {
		fc.HealthTickInterval = def.HealthTickInterval
	}
	return fc
}

// buildMonitor constructs the optional diagnostics monitor, or nil when
// disabled; the Orchestrator runs identically either way.
func buildMonitor(cfg config.MonitorConfig, logger *slog.Logger) *splice.Monitor {
	if !cfg.Enabled {
		return nil
	}
	return splice.NewMonitor(cfg.MaxEvents, logger)
}

// maybeStartControl starts the control-plane HTTP server when enabled,
// returning a shutdown func (a no-op when disabled).
func maybeStartControl(cfg config.ControlConfig, orch *splice.Orchestrator, monitor *splice.Monitor, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	srv := control.NewServer(control.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, orch, monitor, logger)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("starting control server: %w", err)
	}
	return srv.Shutdown, nil
}

func newSourceBuffer(r io.Reader, cfg *config.Config) *splice.SourceBuffer {
	sb := splice.NewSourceBuffer(r, int(cfg.Reassembler.Required), int(cfg.Reassembler.MaxBuffer), cfg.Buffer.CapacityPackets)
	if cfg.Buffer.ReconnectDelay > 0 {
		sb.SetReconnectDelay(cfg.Buffer.ReconnectDelay)
	}
	return sb
}
