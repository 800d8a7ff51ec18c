package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrate/internal/chunker"
	"github.com/loqalabs/loqa-narrate/internal/document"
	"github.com/loqalabs/loqa-narrate/internal/processor"
	"github.com/loqalabs/loqa-narrate/internal/runstore"
	"github.com/loqalabs/loqa-narrate/internal/voice"
	"github.com/spf13/cobra"
)

const previewRunes = 60

func newChunksCmd(g *globals) *cobra.Command {
	var (
		input    string
		maxChars int
	)
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Preview how a document will be split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("input") {
				cfg.Input.Path = input
			}
			if cmd.Flags().Changed("max-chunk-chars") {
				cfg.Pipeline.MaxChunkChars = maxChars
			}
			if cfg.Input.Path == "" {
				return errors.New("no input document given")
			}

			doc, err := document.Load(cmd.Context(), cfg.Input.Path)
			if err != nil {
				return err
			}
			chunks, err := chunker.Split(doc.Text, cfg.Pipeline.MaxChunkChars)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var total time.Duration
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tCHARS\tEST\tTEXT")
			for _, c := range chunks {
				total += c.EstimatedDuration
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", c.Index, c.Runes(), c.EstimatedDuration.Round(100*time.Millisecond), preview(c.Text))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d chunks from %s (%s), estimated %s\n", len(chunks), doc.Title, doc.Format, total.Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Document to split")
	cmd.Flags().IntVar(&maxChars, "max-chunk-chars", 0, "Upper bound on chunk length in characters")
	return cmd
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes-1]) + "…"
}

func newVoicesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List voice profiles found under voice.models_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			profiles, err := voice.Discover(cfg.Voice.ModelsDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(profiles) == 0 {
				fmt.Fprintf(out, "no voice profiles in %s\n", cfg.Voice.ModelsDir)
				return nil
			}
			for _, p := range profiles {
				line := p.Name
				if !p.HasIndex() {
					line += " (no index)"
				}
				if p.Name == cfg.Voice.Profile {
					line += " *"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recorded runs, or one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.State.RetentionMode == "ephemeral" {
				return errors.New("run records are not kept with state.retention_mode=ephemeral")
			}
			store, err := runstore.Open(cmd.Context(), cfg.StatePath(), cfg.State, newLogger(cfg.Telemetry, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "no runs recorded")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTATE\tCHUNKS\tUPDATED\tDOCUMENT")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.TotalChunks, r.UpdatedAt.Local().Format(time.DateTime), r.Document)
				}
				return tw.Flush()
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			artifacts, err := store.Artifacts(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s: %s\n", run.ID, run.State)
			fmt.Fprintf(out, "document: %s\nprofile: %s\n", run.Document, run.Profile)
			if run.OutputPath != "" {
				fmt.Fprintf(out, "output: %s\n", run.OutputPath)
			}
			if run.Error != "" {
				fmt.Fprintf(out, "error: %s\n", run.Error)
			}
			converted := 0
			for _, a := range artifacts {
				if a.Status == string(processor.StatusConverted) {
					converted++
					continue
				}
				fmt.Fprintf(out, "  chunk %d: %s %s\n", a.ChunkIndex, a.Status, a.Error)
			}
			fmt.Fprintf(out, "chunks: %d total, %d converted\n", run.TotalChunks, converted)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to list")
	return cmd
}
