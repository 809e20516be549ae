package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avswitch/splicer/internal/config"
	"github.com/avswitch/splicer/internal/ingress"
	"github.com/avswitch/splicer/internal/splice"
)

var (
	livePrimary  string
	liveFallback string
	liveDuration int
	liveLoop     int
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Arbitrate between a live primary and fallback MPEG-TS source",
	Long: `live ingests two continuous MPEG-TS sources, primary and fallback,
and streams whichever is healthy as a single continuous output,
switching automatically on disconnect, stream failure, or silence, and
back once primary recovers.

Sources are given as tcp://host:port, udp://host:port (multicast joined
automatically for a multicast-range address), or a local file path.`,
	RunE: runLive,
}

func init() {
	liveCmd.Flags().StringVar(&livePrimary, "primary", "", "primary source URI (required)")
	liveCmd.Flags().StringVar(&liveFallback, "fallback", "", "fallback source URI (required)")
	liveCmd.Flags().IntVar(&liveDuration, "duration", 0, "stop after this many seconds times --loop; segments are not bounded individually (0 = run until a signal)")
	liveCmd.Flags().IntVar(&liveLoop, "loop", 1, "multiplier on --duration for the total run length (0 or 1 means once)")
	liveCmd.MarkFlagRequired("primary")
	liveCmd.MarkFlagRequired("fallback")
	rootCmd.AddCommand(liveCmd)
}

func runLive(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	sink, err := buildSink(ctx, cfg.Egress, logger)
	if err != nil {
		return err
	}

	orch := splice.NewOrchestrator(sink, toSpliceFailover(cfg.Failover), logger)
	monitor := buildMonitor(cfg.Monitor, logger)
	orch.SetMonitor(monitor)

	shutdownControl, err := maybeStartControl(cfg.Control, orch, monitor, logger)
	if err != nil {
		return err
	}
	defer shutdownControl(ctx)

	primaryReader, primaryCloser, err := openSourceURI(ctx, livePrimary)
	if err != nil {
		return fmt.Errorf("opening primary source: %w", err)
	}
	defer primaryCloser.Close()

	fallbackReader, fallbackCloser, err := openSourceURI(ctx, liveFallback)
	if err != nil {
		return fmt.Errorf("opening fallback source: %w", err)
	}
	defer fallbackCloser.Close()

	primary := newSourceBuffer(primaryReader, &cfg)
	fallback := newSourceBuffer(fallbackReader, &cfg)
	primary.Start(ctx)
	fallback.Start(ctx)
	defer primary.Stop()
	defer fallback.Stop()

	duration := time.Duration(liveDuration) * time.Second
	logger.Info("starting dual-live arbitration", slog.String("primary", livePrimary), slog.String("fallback", liveFallback))
	if err := orch.RunDualLive(ctx, primary, fallback, duration, liveLoop); err != nil {
		return fmt.Errorf("running dual-live arbitration: %w", err)
	}
	return nil
}

// openSourceURI opens uri as tcp://, udp:// (joining multicast when the
// host is a multicast address), or, with no recognized scheme, a local
// file path.
func openSourceURI(ctx context.Context, uri string) (io.Reader, io.Closer, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		f, ferr := ingress.OpenFile(uri)
		if ferr != nil {
			return nil, nil, ferr
		}
		return f, f, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "tcp":
		c, err := ingress.DialTCP(ctx, u.Host)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "udp":
		host, _, err := net.SplitHostPort(u.Host)
		if err != nil {
			return nil, nil, fmt.Errorf("ingress: parsing %s: %w", uri, err)
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsMulticast() {
			c, err := ingress.ListenMulticastUDP(u.Host, nil)
			if err != nil {
				return nil, nil, err
			}
			return c, c, nil
		}
		c, err := ingress.ListenUDP(u.Host)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("ingress: unsupported source scheme %q in %s", u.Scheme, uri)
	}
}
