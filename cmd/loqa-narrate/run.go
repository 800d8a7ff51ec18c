package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/bus"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/natsserver"
	"github.com/loqalabs/loqa-narrate/internal/pipeline"
	"github.com/loqalabs/loqa-narrate/internal/runtime"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// errNoOutput makes the process exit non-zero when no audiobook was written.
var errNoOutput = errors.New("no audiobook produced")

type runFlags struct {
	input          string
	output         string
	voice          string
	maxChunkChars  int
	failFast       bool
	noResume       bool
	regenerate     []int
	regenerateFrom int
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Narrate a document into a single audio file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNarration(cmd, g, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.input, "input", "i", "", "Document to narrate (.txt, .md, .epub, .pdf)")
	flags.StringVarP(&f.output, "output", "o", "", "Audiobook output path")
	flags.StringVar(&f.voice, "voice", "", "Voice profile name under voice.models_dir")
	flags.IntVar(&f.maxChunkChars, "max-chunk-chars", 0, "Upper bound on chunk length in characters")
	flags.BoolVar(&f.failFast, "fail-fast", false, "Abort the run on the first failed chunk")
	flags.BoolVar(&f.noResume, "no-resume", false, "Reprocess every chunk even if earlier audio matches")
	flags.IntSliceVar(&f.regenerate, "regenerate", nil, "Chunk indices to reprocess")
	flags.IntVar(&f.regenerateFrom, "regenerate-from", -1, "Reprocess this chunk index and every later one")
	return cmd
}

// applyRunFlags layers explicitly set flags over the loaded configuration.
func applyRunFlags(cfg *config.Config, cmd *cobra.Command, f *runFlags) error {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input.Path = f.input
	}
	if flags.Changed("output") {
		cfg.Pipeline.OutputPath = f.output
	}
	if flags.Changed("voice") {
		cfg.Voice.Profile = f.voice
	}
	if flags.Changed("max-chunk-chars") {
		cfg.Pipeline.MaxChunkChars = f.maxChunkChars
	}
	if flags.Changed("fail-fast") {
		cfg.Pipeline.FailFast = f.failFast
	}
	if f.noResume || f.regenerateFrom == 0 {
		cfg.Pipeline.Resume = false
	}
	if cfg.Input.Path == "" {
		return config.Errorf("input.path", "no input document given")
	}
	return config.Validate(*cfg)
}

// endpoint is the optional health and metrics server.
type endpoint interface {
	Serve(ctx context.Context) error
	SetReady(ready bool)
}

type narrator interface {
	Run(ctx context.Context) (pipeline.Report, error)
}

// superviseRun runs n while srv serves alongside it. A failing endpoint is
// logged and the run carries on without it.
func superviseRun(ctx context.Context, srv endpoint, serve bool, n narrator, logger *slog.Logger) pipeline.Report {
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	var report pipeline.Report
	var group errgroup.Group
	if serve {
		group.Go(func() error {
			if err := srv.Serve(serveCtx); err != nil {
				logger.Error("http endpoint failed, continuing without it", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	group.Go(func() error {
		defer stopServing()
		srv.SetReady(true)
		defer srv.SetReady(false)
		report, _ = n.Run(ctx)
		return nil
	})
	_ = group.Wait()
	return report
}

func runNarration(cmd *cobra.Command, g *globals, f *runFlags) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(&cfg, cmd, f); err != nil {
		return err
	}
	logger := newLogger(cfg.Telemetry, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	var publisher pipeline.Publisher
	var client *bus.Client
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = client
	}

	regenerateFrom := 0
	if f.regenerateFrom > 0 {
		regenerateFrom = f.regenerateFrom
	}
	orchestrator := pipeline.New(cfg, pipeline.Options{
		Input:          cfg.Input.Path,
		Regenerate:     f.regenerate,
		RegenerateFrom: regenerateFrom,
		Logger:         logger,
		Publisher:      publisher,
	})

	report := superviseRun(ctx, rt, cfg.HTTP.Enabled, orchestrator, logger)

	if client != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := client.Flush(flushCtx); err != nil {
			logger.Warn("failed to flush progress events", slog.String("error", err.Error()))
		}
		cancel()
	}

	fmt.Fprint(cmd.OutOrStdout(), report.Summary())
	if !report.Succeeded() {
		if report.Err != nil {
			return fmt.Errorf("%w: %v", errNoOutput, report.Err)
		}
		return errNoOutput
	}
	return nil
}
