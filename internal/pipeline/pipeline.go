// Package pipeline orchestrates a build: probe the audiobook, fan chapter
// work out across a bounded worker pool, join at assembly, and write the
// final container.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"readalong/internal/align"
	"readalong/internal/book"
	"readalong/internal/cache"
	"readalong/internal/config"
	"readalong/internal/epub"
	"readalong/internal/epubsource"
	"readalong/internal/fileutil"
	"readalong/internal/joblog"
	"readalong/internal/logging"
	"readalong/internal/media"
	"readalong/internal/overlay"
	"readalong/internal/segment"
	"readalong/internal/textutil"
	"readalong/internal/token"
	"readalong/internal/transcribe"
)

// Request describes one build invocation.
type Request struct {
	// SourcePath is the chaptered audiobook (m4b or similar).
	SourcePath string
	// OriginalEPUB optionally provides independently authored reading text
	// plus styling assets. Without it the transcript is the reading text.
	OriginalEPUB string
	// OutputPath overrides the derived location under the output directory.
	OutputPath string
	// ForceRefresh bypasses cache reads; results are still written through.
	ForceRefresh bool
	// MaxChapters truncates the run for quick iteration. 0 means all.
	MaxChapters int
	// KeepFailed keeps chapters whose transcription failed, rendering the
	// chapter title as a single sentence unit spanning the whole clip.
	KeepFailed bool
	// EpubcheckJar points validation at a specific jar.
	EpubcheckJar string
	// SkipValidation disables the epubcheck pass.
	SkipValidation bool
}

// ChapterOutcome is the per-chapter verdict surfaced in the final report.
type ChapterOutcome struct {
	Index      int
	Title      string
	Status     joblog.ChapterStatus
	Coverage   float64
	DurationMS int64
	CacheHit   bool
	Note       string
	Err        error
}

// Reason renders the failure or degradation cause for reporting.
func (o ChapterOutcome) Reason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Note != "" {
		return o.Note
	}
	if o.Status == joblog.StatusDegraded {
		return "low alignment coverage"
	}
	return ""
}

// Result summarizes a completed run.
type Result struct {
	OutputPath string
	Metadata   book.Metadata
	Outcomes   []ChapterOutcome
	Validation *epub.ValidationResult
	Elapsed    time.Duration
}

// Succeeded counts chapters that produced output, degraded included.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status != joblog.StatusFailed {
			n++
		}
	}
	return n
}

// Failed counts chapters that produced no output.
func (r *Result) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Pipeline carries the collaborators a run needs. The cache handle is
// created per pipeline and passed along explicitly.
type Pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *cache.Store
	history *joblog.Store
	tools   media.Tools
	backend transcribe.Backend
}

// New wires a pipeline from configuration. The transcription backend is
// probed here so misconfiguration surfaces before any audio work starts.
func New(cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := cache.New(cfg.Paths.CacheDir, logging.NewComponentLogger(logger, "cache"))
	if err != nil {
		return nil, err
	}
	history, err := joblog.Open(cfg.Paths.LogDir)
	if err != nil {
		return nil, err
	}
	backend, err := transcribe.Select(transcribe.Options{
		Backend:  cfg.Transcription.Backend,
		Model:    cfg.Transcription.Model,
		Language: cfg.Transcription.Language,
	}, logging.NewComponentLogger(logger, "transcribe"))
	if err != nil {
		history.Close()
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		history: history,
		backend: backend,
	}, nil
}

// NewWithBackend wires a pipeline around an already-selected backend and
// toolset, bypassing availability probing.
func NewWithBackend(cfg *config.Config, logger *slog.Logger, backend transcribe.Backend, tools media.Tools) (*Pipeline, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := cache.New(cfg.Paths.CacheDir, logging.NewComponentLogger(logger, "cache"))
	if err != nil {
		return nil, err
	}
	history, err := joblog.Open(cfg.Paths.LogDir)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		history: history,
		tools:   tools,
		backend: backend,
	}, nil
}

// Close releases the pipeline's persistent handles.
func (p *Pipeline) Close() error {
	return p.history.Close()
}

// Run executes a full build. Chapter failures are isolated; the run only
// fails when the source has no chapters or zero chapters produce output.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	meta, marks, err := media.Probe(ctx, p.tools, req.SourcePath)
	if err != nil {
		return nil, err
	}
	if req.MaxChapters > 0 && len(marks) > req.MaxChapters {
		marks = marks[:req.MaxChapters]
		p.logger.Info("limiting run", logging.Int("chapters", req.MaxChapters))
	}

	outputPath, err := p.resolveOutput(req, meta)
	if err != nil {
		return nil, err
	}
	lock := flock.New(outputPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another run is already writing %s", outputPath)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	var source *epubsource.Book
	if req.OriginalEPUB != "" {
		source, err = epubsource.Extract(req.OriginalEPUB, logging.NewComponentLogger(p.logger, "epubsource"))
		if err != nil {
			return nil, err
		}
	}

	granularity, err := segment.ParseGranularity(p.cfg.Sync.Granularity)
	if err != nil {
		return nil, err
	}

	runID, err := p.history.BeginRun(ctx, req.SourcePath, outputPath, p.backend.Name(), string(granularity))
	if err != nil {
		p.logger.Warn("run history unavailable", logging.Error(err))
	}

	chapters := make([]*book.Chapter, len(marks))
	outcomes := make([]ChapterOutcome, len(marks))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency())
	for i, mark := range marks {
		group.Go(func() error {
			chapterCtx := logging.WithChapter(groupCtx, mark.Index)
			logger := logging.WithContext(chapterCtx, logging.NewComponentLogger(p.logger, "chapter"))
			chapter, outcome := p.processChapter(chapterCtx, req, mark, chapterText(source, i), granularity, logger)
			chapters[i] = chapter
			outcomes[i] = outcome
			return nil
		})
	}
	// Join barrier: assembly must not start until every chapter settled.
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{OutputPath: outputPath, Metadata: meta, Outcomes: outcomes}
	p.recordOutcomes(ctx, runID, outcomes)

	var usable []*book.Chapter
	for _, chapter := range chapters {
		if chapter != nil {
			usable = append(usable, chapter)
		}
	}
	if len(usable) == 0 {
		if runID != 0 {
			_ = p.history.FinishRun(ctx, runID, false)
		}
		return result, fmt.Errorf("no chapter could be processed")
	}

	pkg, err := overlay.Assemble(meta, usable, source)
	if err != nil {
		if runID != 0 {
			_ = p.history.FinishRun(ctx, runID, false)
		}
		return result, err
	}
	if err := epub.Write(pkg, outputPath); err != nil {
		if runID != 0 {
			_ = p.history.FinishRun(ctx, runID, false)
		}
		return result, err
	}
	p.logger.Info("wrote read-along book",
		logging.String("output", outputPath),
		logging.Int("chapters", len(usable)),
		logging.Int("failed", result.Failed()))

	if !req.SkipValidation {
		validation, err := epub.Validate(ctx, outputPath, req.EpubcheckJar, logging.NewComponentLogger(p.logger, "epubcheck"))
		if err != nil {
			p.logger.Warn("validation did not complete", logging.Error(err))
		}
		result.Validation = validation
	}

	if runID != 0 {
		_ = p.history.FinishRun(ctx, runID, true)
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (p *Pipeline) concurrency() int {
	if p.cfg.Workflow.Concurrency > 0 {
		return p.cfg.Workflow.Concurrency
	}
	return runtime.NumCPU()
}

func (p *Pipeline) resolveOutput(req Request, meta book.Metadata) (string, error) {
	if req.OutputPath != "" {
		return config.ExpandPath(req.OutputPath)
	}
	name := fmt.Sprintf("%s.epub", sanitizeOr(meta.Title, "readalong"))
	return filepath.Join(p.cfg.Paths.OutputDir, name), nil
}

func chapterText(source *epubsource.Book, i int) string {
	if source == nil || i >= len(source.Chapters) {
		return ""
	}
	return source.Chapters[i].Text
}

func (p *Pipeline) recordOutcomes(ctx context.Context, runID int64, outcomes []ChapterOutcome) {
	if runID == 0 {
		return
	}
	for _, o := range outcomes {
		err := p.history.RecordChapter(ctx, joblog.ChapterRecord{
			RunID:        runID,
			ChapterIndex: o.Index,
			Title:        o.Title,
			Status:       o.Status,
			Coverage:     o.Coverage,
			DurationMS:   o.DurationMS,
			Reason:       o.Reason(),
			CacheHit:     o.CacheHit,
		})
		if err != nil {
			p.logger.Warn("run history write failed", logging.Error(err))
			return
		}
	}
}

// processChapter runs the extract/transcribe/segment/align path for one
// chapter. A nil chapter in the return marks failure; the outcome carries
// the reason either way.
func (p *Pipeline) processChapter(ctx context.Context, req Request, mark media.ChapterMark, readingText string, granularity segment.Granularity, logger *slog.Logger) (*book.Chapter, ChapterOutcome) {
	outcome := ChapterOutcome{
		Index:      mark.Index,
		Title:      mark.Title,
		DurationMS: mark.DurationMS(),
	}
	fail := func(err error) (*book.Chapter, ChapterOutcome) {
		logger.Error("chapter failed", logging.Error(err))
		outcome.Status = joblog.StatusFailed
		outcome.Err = err
		return nil, outcome
	}

	audioDir := filepath.Join(p.cfg.Paths.CacheDir, "audio")
	audioPath, err := media.ExtractChapter(ctx, p.tools, req.SourcePath, audioDir, mark, req.ForceRefresh, logger)
	if err != nil {
		return fail(err)
	}
	audioHash, err := fileutil.HashFile(audioPath)
	if err != nil {
		return fail(err)
	}

	chapter := &book.Chapter{
		Index:      mark.Index,
		Title:      mark.Title,
		AudioPath:  audioPath,
		AudioFile:  mark.AudioFileName(),
		DurationMS: mark.DurationMS(),
		Source:     book.SourceTranscript,
	}
	key := cache.Key{
		AudioHash:   audioHash,
		Backend:     p.backend.Name(),
		Granularity: granularity,
		TextHash:    "transcript",
	}
	if readingText != "" {
		chapter.Source = book.SourceOriginalEPUB
		key.TextHash = hashText(readingText)
	}

	if !req.ForceRefresh {
		if payload, ok := p.store.GetChapter(key); ok {
			chapter.Units = payload.Units
			chapter.Timings = payload.Timings
			chapter.SortTimings()
			if err := chapter.ValidateTimings(); err != nil {
				logger.Warn("cached chapter failed validation, recomputing", logging.Error(err))
				_ = p.store.Invalidate(key)
				chapter.Units = nil
				chapter.Timings = nil
			} else {
				logger.Info("chapter loaded from cache")
				outcome.CacheHit = true
				outcome.Coverage = payload.Coverage
				outcome.Status = joblog.StatusOK
				if payload.Degraded {
					outcome.Status = joblog.StatusDegraded
				}
				return chapter, outcome
			}
		}
	}

	tokens, err := p.transcribeChapter(ctx, key, audioPath, granularity, req.ForceRefresh, logger)
	if err != nil {
		if req.KeepFailed {
			return p.fallbackChapter(chapter, mark, outcome, err, logger)
		}
		return fail(err)
	}

	payload := &cache.ChapterPayload{}
	if chapter.Source == book.SourceOriginalEPUB {
		chapter.Units = segment.Split(mark.Index, readingText, segment.Options{
			Granularity:       granularity,
			MaxSentenceLength: p.cfg.Sync.MaxSentenceLength,
		})
		res := align.Chapter(chapter.Units, tokens, "../Audio/"+chapter.AudioFile, align.Options{
			SimilarityThreshold: p.cfg.Sync.SimilarityThreshold,
			MinCoverage:         p.cfg.Sync.MinCoverage,
		}, logger)
		chapter.Timings = res.Timings
		payload.Coverage = res.Coverage
		payload.Degraded = res.Degraded
	} else {
		chapter.Units = segment.FromTokens(mark.Index, tokens, granularity)
		chapter.Timings = align.Identity(chapter.Units, tokens, "../Audio/"+chapter.AudioFile)
		payload.Coverage = chapter.Coverage()
	}
	payload.Units = chapter.Units
	payload.Timings = chapter.Timings

	if len(chapter.Units) == 0 {
		return fail(&token.BackendOutputError{Backend: p.backend.Name(), Reason: "no usable text for chapter"})
	}
	// Catch invalid timings here so a bad chapter fails alone instead of
	// sinking the whole book at assembly.
	chapter.SortTimings()
	if err := chapter.ValidateTimings(); err != nil {
		return fail(fmt.Errorf("sync timings rejected: %w", err))
	}
	if err := p.store.PutChapter(key, payload); err != nil {
		logger.Warn("cache write failed", logging.Error(err))
	}

	outcome.Coverage = payload.Coverage
	outcome.Status = joblog.StatusOK
	if payload.Degraded {
		outcome.Status = joblog.StatusDegraded
	}
	return chapter, outcome
}

// fallbackChapter salvages a chapter whose transcription failed by rendering
// its title as a single sentence unit spanning the whole clip. The result is
// never cached so a later run retries the backend.
func (p *Pipeline) fallbackChapter(chapter *book.Chapter, mark media.ChapterMark, outcome ChapterOutcome, cause error, logger *slog.Logger) (*book.Chapter, ChapterOutcome) {
	logger.Warn("transcription failed, keeping chapter with title-only text", logging.Error(cause))
	anchor := segment.AnchorID(mark.Index, 0)
	chapter.Source = book.SourceTranscript
	chapter.Units = []segment.SyncUnit{{
		AnchorID:    anchor,
		Text:        mark.Title,
		Granularity: segment.Sentence,
	}}
	chapter.Timings = nil
	if chapter.DurationMS > 0 {
		chapter.Timings = []book.TimingEntry{{
			AnchorID:     anchor,
			ClipBeginMS:  0,
			ClipEndMS:    chapter.DurationMS,
			AudioFileRef: "../Audio/" + chapter.AudioFile,
		}}
	}
	outcome.Status = joblog.StatusDegraded
	outcome.Coverage = 0
	outcome.Note = "transcription failed, title-only fallback"
	return chapter, outcome
}

func (p *Pipeline) transcribeChapter(ctx context.Context, key cache.Key, audioPath string, granularity segment.Granularity, force bool, logger *slog.Logger) ([]token.TimedToken, error) {
	if !force {
		if tokens, ok := p.store.GetTokens(key); ok {
			logger.Debug("transcript loaded from cache")
			return tokens, nil
		}
	}

	transcribeCtx := ctx
	if p.cfg.Transcription.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		transcribeCtx, cancel = context.WithTimeout(ctx,
			time.Duration(p.cfg.Transcription.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	raws, err := p.backend.Transcribe(transcribeCtx, audioPath, granularity)
	if err != nil {
		if errors.Is(transcribeCtx.Err(), context.DeadlineExceeded) {
			return nil, &token.BackendOutputError{Backend: p.backend.Name(), Reason: "transcription timed out"}
		}
		return nil, err
	}
	tokens, err := token.Normalize(p.backend.Name(), raws, logger)
	if err != nil {
		return nil, err
	}
	if err := p.store.PutTokens(key, tokens); err != nil {
		logger.Warn("cache write failed", logging.Error(err))
	}
	return tokens, nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func sanitizeOr(title, fallback string) string {
	if title == "" {
		return fallback
	}
	return textutil.SanitizeFileName(title)
}
