package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avswitch/splicer/internal/config"
	"github.com/avswitch/splicer/internal/ingress"
	"github.com/avswitch/splicer/internal/splice"
)

var fileLoop int

var fileCmd = &cobra.Command{
	Use:   "file PATH...",
	Short: "Splice a sequence of MPEG-TS files into a continuous output stream",
	Long: `file plays each given MPEG-TS file in order, end to end, rebasing
timestamps onto a single output timeline so the cut between files is
seamless. With --loop, the whole sequence repeats that many times
(0 or 1 means play once).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFile,
}

func init() {
	fileCmd.Flags().IntVar(&fileLoop, "loop", 1, "number of times to repeat the file sequence")
	rootCmd.AddCommand(fileCmd)
}

func runFile(_ *cobra.Command, paths []string) error {
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

	files := make([]*ingress.File, len(paths))
	for i, path := range paths {
		f, err := ingress.OpenFile(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		files[i] = f
	}

	segments := make([]func() (*splice.SourceBuffer, error), len(files))
	for i, f := range files {
		opened := false
		segments[i] = func() (*splice.SourceBuffer, error) {
			if opened {
				if err := f.Reopen(); err != nil {
					return nil, err
				}
			}
			opened = true
			sb := newSourceBuffer(f, &cfg)
			sb.Start(ctx)
			return sb, nil
		}
	}

	logger.Info("starting file sequence", slog.Int("segments", len(files)), slog.Int("loop", fileLoop))
	if err := orch.RunFileSequence(ctx, segments, fileLoop); err != nil {
		return fmt.Errorf("running file sequence: %w", err)
	}
	return nil
}
