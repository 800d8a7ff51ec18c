// Package pipeline drives one narration run: it loads the document, splits it
// into chunks, renders every chunk through the device handle and assembles
// the converted audio into the audiobook.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrate/internal/assembler"
	"github.com/loqalabs/loqa-narrate/internal/chunker"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/device"
	"github.com/loqalabs/loqa-narrate/internal/document"
	"github.com/loqalabs/loqa-narrate/internal/processor"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
	"github.com/loqalabs/loqa-narrate/internal/runstore"
	"github.com/loqalabs/loqa-narrate/internal/tts"
	"github.com/loqalabs/loqa-narrate/internal/voice"
	"github.com/loqalabs/loqa-narrate/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options carry the per-run inputs and the collaborators a caller may
// inject. Nil collaborators are built from the configuration.
type Options struct {
	Input string
	// Regenerate lists chunk indices to reprocess even when their converted
	// audio could be reused.
	Regenerate []int
	// RegenerateFrom reprocesses every chunk at or after this index when
	// positive. Regenerating from 0 is the same as disabling resume.
	RegenerateFrom int

	Logger      *slog.Logger
	Store       *runstore.Store
	Publisher   Publisher
	Synthesizer tts.Synthesizer
	Converter   voice.Converter
	Joiner      assembler.Joiner
}

type Orchestrator struct {
	cfg     config.Config
	opts    Options
	base    *slog.Logger
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

func New(cfg config.Config, opts Options) *Orchestrator {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("component", "pipeline"))
	m, err := newMetrics()
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		base:    base,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
	}
}

// Run executes the pipeline. The report is returned in every case; the error
// is non-nil exactly when the run ends FAILED.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("input", o.opts.Input),
	))
	defer span.End()

	r := &run{
		o:     o,
		id:    uuid.NewString(),
		state: StateInitialized,
		pctx:  context.WithoutCancel(ctx),
	}
	r.log = o.logger.With(slog.String("run_id", r.id))
	r.report = Report{RunID: r.id, Document: o.opts.Input, State: StateInitialized}

	err := r.execute(ctx)
	if err != nil {
		r.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.release()

	r.report.Elapsed = time.Since(started)
	span.SetAttributes(
		attribute.String("run.id", r.id),
		attribute.String("run.state", string(r.state)),
		attribute.Int("run.chunks", r.report.TotalChunks),
		attribute.Int("run.failed", len(r.report.Failed)),
	)
	return r.report, err
}

type run struct {
	o    *Orchestrator
	log  *slog.Logger
	pctx context.Context

	id      string
	key     string
	state   State
	created bool

	doc     document.Document
	profile voice.Profile
	synth   tts.Synthesizer
	conv    voice.Converter
	asm     *assembler.Assembler
	ws      *workspace.Workspace
	locked  bool
	store   *runstore.Store
	owned   bool

	chunks []chunker.Chunk
	prior  map[int]runstore.Artifact
	arts   []processor.Artifact

	progress  *progress
	unobserve func()
	report    Report
}

func (r *run) execute(ctx context.Context) error {
	if err := r.preflight(ctx); err != nil {
		return err
	}

	r.transition(StateChunking)
	chunks, err := chunker.Split(r.doc.Text, r.o.cfg.Pipeline.MaxChunkChars)
	if err != nil {
		return err
	}
	r.chunks = chunks
	r.report.TotalChunks = len(chunks)
	r.progress.total.Store(int64(len(chunks)))
	if len(chunks) == 0 {
		r.log.Warn("document has no text to narrate", slog.String("input", r.o.opts.Input))
		r.transition(StateCompleted)
		return nil
	}

	r.transition(StateProcessing)
	if err := r.process(ctx); err != nil {
		return err
	}

	r.transition(StateAssembling)
	res, err := r.asm.Assemble(ctx, r.arts)
	if err != nil {
		return err
	}
	r.report.OutputPath = res.OutputPath
	r.report.Audio = res.Duration
	if len(r.report.Failed) > 0 {
		r.transition(StateCompletedWithErrors)
	} else {
		r.transition(StateCompleted)
	}
	return nil
}

// preflight validates everything a run needs before any work is done.
func (r *run) preflight(ctx context.Context) error {
	cfg := r.o.cfg
	opts := r.o.opts

	profile, err := voice.SelectProfile(cfg.Voice)
	if err != nil {
		return err
	}
	if profile.ModelPath != "" && !profile.HasIndex() {
		r.log.Warn("voice profile has no index file", slog.String("profile", profile.Name))
	}
	r.profile = profile
	r.report.Profile = profile.Name

	r.synth = opts.Synthesizer
	if r.synth == nil {
		if r.synth, err = tts.New(cfg.TTS); err != nil {
			return err
		}
	}
	r.conv = opts.Converter
	if r.conv == nil {
		if r.conv, err = voice.New(cfg.Voice); err != nil {
			return err
		}
	}
	if opts.Joiner != nil {
		r.asm = assembler.NewWithJoiner(opts.Joiner, cfg.Pipeline.OutputPath, r.o.base)
	} else if r.asm, err = assembler.New(cfg.Assembler, cfg.Pipeline.OutputPath, r.o.base); err != nil {
		return err
	}
	if err := r.asm.Check(); err != nil {
		return err
	}

	if r.ws, err = workspace.Open(cfg.Pipeline.WorkDir); err != nil {
		return err
	}
	if err := r.ws.Lock(); err != nil {
		return err
	}
	r.locked = true

	r.store = opts.Store
	if r.store == nil {
		if r.store, err = runstore.Open(ctx, cfg.StatePath(), cfg.State, r.o.base); err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		r.owned = true
	}

	if r.doc, err = document.Load(ctx, opts.Input); err != nil {
		return err
	}
	r.key = r.fingerprint()

	resumed := false
	if cfg.Pipeline.Resume && r.store.Persistent() {
		prev, err := r.store.LatestByKey(ctx, r.key)
		switch {
		case err == nil:
			r.id = prev.ID
			r.log = r.o.logger.With(slog.String("run_id", r.id))
			r.report.RunID = r.id
			resumed = true
		case !errors.Is(err, runstore.ErrNotFound):
			return fmt.Errorf("look up previous run: %w", err)
		}
	}

	r.progress = newProgress(r.id, opts.Publisher, r.log)

	rec := r.record()
	if resumed {
		err = r.store.UpdateRun(ctx, rec)
	} else {
		err = r.store.CreateRun(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	r.created = true

	r.prior = make(map[int]runstore.Artifact)
	if resumed {
		prior, err := r.store.Artifacts(ctx, r.id)
		if err != nil {
			return fmt.Errorf("load previous artifacts: %w", err)
		}
		for _, a := range prior {
			r.prior[a.ChunkIndex] = a
		}
	}

	r.progress.startHeartbeat(ctx, time.Duration(cfg.Bus.HeartbeatIntervalMS)*time.Millisecond)
	if r.unobserve, err = r.o.metrics.observe(r.progress); err != nil {
		r.log.Warn("failed to observe run progress", slogError(err))
	}

	r.log.Info("run initialized",
		slog.String("input", opts.Input),
		slog.String("format", string(r.doc.Format)),
		slog.String("profile", profile.Name),
		slog.Bool("resumed", resumed),
		slog.Int("previous_artifacts", len(r.prior)))
	r.announce("")
	return nil
}

// fingerprint identifies the inputs that determine the chunk audio.
func (r *run) fingerprint() string {
	cfg := r.o.cfg
	params, _ := json.Marshal(voice.ParamsFromConfig(cfg.Voice))
	return runstore.Fingerprint(
		r.doc.Text,
		strconv.Itoa(cfg.Pipeline.MaxChunkChars),
		r.profile.Name,
		cfg.TTS.Mode,
		cfg.TTS.Voice,
		strconv.FormatFloat(cfg.TTS.Speed, 'f', -1, 64),
		strconv.Itoa(cfg.TTS.SampleRate),
		strconv.Itoa(cfg.TTS.Channels),
		cfg.Voice.Mode,
		string(params),
	)
}

func (r *run) process(ctx context.Context) error {
	cfg := r.o.cfg.Pipeline
	reusable := r.reusable()

	if removed, err := r.ws.Prune(len(r.chunks)); err != nil {
		r.log.Warn("failed to prune stale chunk audio", slogError(err))
	} else if len(removed) > 0 {
		r.log.Debug("pruned stale chunk audio", slog.Int("files", len(removed)))
	}
	if err := r.store.DeleteArtifactsFrom(r.pctx, r.id, len(r.chunks)); err != nil {
		r.log.Warn("failed to prune stale artifact records", slogError(err))
	}

	handle := device.Open(r.synth, r.conv, r.profile, device.Options{
		LockPath: cfg.DeviceLock,
		LockWait: time.Duration(cfg.DeviceLockWaitMS) * time.Millisecond,
		Logger:   r.o.base,
	})
	closeHandle := func() {
		if err := handle.Close(); err != nil {
			r.log.Warn("model teardown failed", slogError(err))
		}
	}
	proc := processor.New(r.ws, processor.Options{
		MaxAttempts:   cfg.MaxAttempts,
		RetryInitial:  time.Duration(cfg.RetryInitialMS) * time.Millisecond,
		RetryMax:      time.Duration(cfg.RetryMaxMS) * time.Millisecond,
		FallbackToRaw: cfg.FallbackToRaw,
		KeepRaw:       cfg.KeepRaw,
		Logger:        r.o.base,
	})

	for _, c := range r.chunks {
		if err := ctx.Err(); err != nil {
			closeHandle()
			return fmt.Errorf("stopped before chunk %d: %w", c.Index, err)
		}

		var art processor.Artifact
		if reusable[c.Index] {
			art = proc.Reused(c.Index)
			art.Fallback = r.prior[c.Index].Fallback
		} else {
			art = r.processChunk(ctx, proc, handle, c)
		}
		r.finishChunk(ctx, c, art)

		if art.Status == processor.StatusFailed && cfg.FailFast {
			closeHandle()
			return fmt.Errorf("chunk %d: %w", c.Index, art.Err)
		}
	}
	closeHandle()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stopped before assembly: %w", err)
	}
	return nil
}

// processChunk renders c. The chunk runs to completion even if ctx is
// cancelled meanwhile.
func (r *run) processChunk(ctx context.Context, proc *processor.Processor, m processor.Model, c chunker.Chunk) processor.Artifact {
	ctx, span := r.o.tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", c.Index),
		attribute.Int("chunk.runes", c.Runes()),
	))
	defer span.End()

	art := proc.Process(context.WithoutCancel(ctx), m, c)
	span.SetAttributes(
		attribute.String("chunk.status", string(art.Status)),
		attribute.Int("chunk.attempts", art.Attempts),
		attribute.Bool("chunk.fallback", art.Fallback),
	)
	if art.Err != nil {
		span.RecordError(art.Err)
		span.SetStatus(codes.Error, art.Err.Error())
	}
	return art
}

func (r *run) finishChunk(ctx context.Context, c chunker.Chunk, art processor.Artifact) {
	r.arts = append(r.arts, art)
	rec := runstore.Artifact{
		RunID:         r.id,
		ChunkIndex:    c.Index,
		TextHash:      runstore.Fingerprint(c.Text),
		Status:        string(art.Status),
		RawPath:       art.RawPath,
		ConvertedPath: art.ConvertedPath,
		Attempts:      art.Attempts,
		Fallback:      art.Fallback,
	}

	logger := r.log.With(slog.Int("chunk", c.Index))
	switch art.Status {
	case processor.StatusConverted:
		if art.Reused {
			// the record keeps the attempts that produced the reused audio
			prior := r.prior[c.Index]
			rec.Attempts = prior.Attempts
			rec.AudioHash = prior.AudioHash
		} else if hash, err := runstore.FileFingerprint(art.ConvertedPath); err != nil {
			logger.Warn("failed to fingerprint converted audio", slogError(err))
		} else {
			rec.AudioHash = hash
		}
		r.report.Converted++
		if art.Reused {
			r.report.Reused++
		}
		if art.Fallback {
			r.report.Fallback = append(r.report.Fallback, c.Index)
		}
		logger.Info("chunk converted",
			slog.Bool("reused", art.Reused),
			slog.Int("attempts", art.Attempts),
			slog.Duration("elapsed", art.Duration))
	default:
		reason := "unknown failure"
		if art.Err != nil {
			reason = art.Err.Error()
		}
		rec.Error = reason
		r.report.Failed = append(r.report.Failed, ChunkFailure{Index: c.Index, Reason: reason})
		logger.Error("chunk failed", slog.Int("attempts", art.Attempts), slog.String("error", reason))
	}

	if err := r.store.PutArtifact(r.pctx, rec); err != nil {
		logger.Warn("failed to record artifact", slogError(err))
	}
	r.progress.done.Add(1)
	r.progress.publishChunk(art)
	r.o.metrics.recordChunk(ctx, string(art.Status), art.Reused, art.Duration)
}

// reusable picks the chunks whose converted audio from an earlier attempt of
// the same run still matches their text and is byte-identical to what that
// attempt wrote.
func (r *run) reusable() map[int]bool {
	out := make(map[int]bool)
	if !r.o.cfg.Pipeline.Resume {
		return out
	}
	regenerate := make(map[int]bool, len(r.o.opts.Regenerate))
	for _, idx := range r.o.opts.Regenerate {
		if idx < 0 || idx >= len(r.chunks) {
			r.log.Warn("ignoring regenerate index out of range", slog.Int("chunk", idx), slog.Int("chunks", len(r.chunks)))
			continue
		}
		regenerate[idx] = true
	}
	from := r.o.opts.RegenerateFrom

	for _, c := range r.chunks {
		prior, ok := r.prior[c.Index]
		if !ok || prior.Status != string(processor.StatusConverted) {
			continue
		}
		if regenerate[c.Index] || (from > 0 && c.Index >= from) {
			continue
		}
		if prior.TextHash != runstore.Fingerprint(c.Text) {
			continue
		}
		path := r.ws.ConvertedPath(c.Index)
		if prior.AudioHash == "" || !workspace.NonEmpty(path) {
			continue
		}
		hash, err := runstore.FileFingerprint(path)
		if err != nil {
			r.log.Debug("converted audio unreadable, reprocessing", slog.Int("chunk", c.Index), slogError(err))
			continue
		}
		if hash != prior.AudioHash {
			r.log.Info("converted audio was replaced since it was recorded, reprocessing", slog.Int("chunk", c.Index))
			continue
		}
		out[c.Index] = true
	}
	return out
}

func (r *run) transition(to State) {
	next, err := r.state.Next(to)
	if err != nil {
		r.log.Error("rejected state change", slogError(err))
		return
	}
	r.enter(next, nil)
}

func (r *run) fail(cause error) {
	r.report.Err = cause
	if _, err := r.state.Next(StateFailed); err != nil {
		r.log.Error("rejected state change", slogError(err))
		return
	}
	r.enter(StateFailed, cause)
}

func (r *run) enter(next State, cause error) {
	prev := r.state
	r.state = next
	r.report.State = next
	if r.progress != nil {
		r.progress.setState(next)
	}

	attrs := []any{slog.String("from", string(prev)), slog.String("to", string(next))}
	if cause != nil {
		attrs = append(attrs, slogError(cause))
		r.log.Error("run failed", attrs...)
	} else {
		r.log.Info("run state changed", attrs...)
	}

	if !r.created {
		return
	}
	if err := r.store.UpdateRun(r.pctx, r.record()); err != nil {
		r.log.Warn("failed to persist run state", slogError(err))
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	r.announce(errText)
}

// announce publishes and records the current state.
func (r *run) announce(errText string) {
	msg := protocol.RunState{
		State:       string(r.state),
		Document:    r.o.opts.Input,
		TotalChunks: r.report.TotalChunks,
		Converted:   r.report.Converted,
		Failed:      r.report.FailedIndices(),
		OutputPath:  r.report.OutputPath,
		Error:       errText,
	}
	r.progress.publishState(msg)

	msg.RunID = r.id
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := r.store.AppendEvent(r.pctx, runstore.Event{RunID: r.id, Type: "state", Payload: payload}); err != nil {
		r.log.Warn("failed to record run event", slogError(err))
	}
}

func (r *run) record() runstore.Run {
	rec := runstore.Run{
		ID:          r.id,
		Key:         r.key,
		Document:    r.o.opts.Input,
		Profile:     r.profile.Name,
		State:       string(r.state),
		TotalChunks: len(r.chunks),
		OutputPath:  r.report.OutputPath,
	}
	if r.report.Err != nil {
		rec.Error = r.report.Err.Error()
	}
	return rec
}

func (r *run) release() {
	if r.progress != nil {
		r.progress.stop()
	}
	if r.unobserve != nil {
		r.unobserve()
	}
	if r.owned {
		if err := r.store.Close(); err != nil {
			r.log.Warn("failed to close run store", slogError(err))
		}
	}
	if r.locked {
		if err := r.ws.Unlock(); err != nil {
			r.log.Warn("failed to release workspace", slogError(err))
		}
	}
	sort.Slice(r.report.Failed, func(i, j int) bool { return r.report.Failed[i].Index < r.report.Failed[j].Index })
}

func slogError(err error) slog.Attr { return slog.String("error", err.Error()) }
