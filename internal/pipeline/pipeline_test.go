package pipeline

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"readalong/internal/book"
	"readalong/internal/cache"
	"readalong/internal/config"
	"readalong/internal/joblog"
	"readalong/internal/media"
	"readalong/internal/segment"
	"readalong/internal/testsupport"
	"readalong/internal/token"
)

const testProbeJSON = `{
  "chapters": [
    {"id": 0, "start_time": "0.0", "end_time": "10.0", "tags": {"title": "One"}},
    {"id": 1, "start_time": "10.0", "end_time": "20.0", "tags": {"title": "Two"}}
  ],
  "format": {"duration": "20.0", "tags": {"title": "Test Book", "artist": "Writer"}}
}`

const emptyProbeJSON = `{"chapters": [], "format": {"duration": "20.0", "tags": {"title": "Test Book"}}}`

// stubBackend returns a fixed token stream per call and counts invocations.
// rawFor overrides the stream for specific audio file names.
type stubBackend struct {
	calls  atomic.Int64
	failOn string
	rawFor map[string][]token.Raw
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Transcribe(_ context.Context, audioPath string, _ segment.Granularity) ([]token.Raw, error) {
	b.calls.Add(1)
	if b.failOn != "" && filepath.Base(audioPath) == b.failOn {
		return nil, &token.BackendOutputError{Backend: "stub", Reason: "simulated failure"}
	}
	if raws, ok := b.rawFor[filepath.Base(audioPath)]; ok {
		return raws, nil
	}
	return []token.Raw{
		{Text: "hello", Start: 0.0, End: 0.5, Confidence: 0.9},
		{Text: "world", Start: 0.5, End: 1.1, Confidence: 0.9},
	}, nil
}

func writeStub(t *testing.T, dir, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testTools(t *testing.T, probePayload string) media.Tools {
	t.Helper()
	dir := t.TempDir()
	ffprobe := writeStub(t, dir, "ffprobe",
		"#!/bin/sh\ncat <<'PAYLOAD'\n"+probePayload+"\nPAYLOAD\n")
	// The last argument is the output path; write fake audio there.
	ffmpeg := writeStub(t, dir, "ffmpeg",
		"#!/bin/sh\nfor last; do :; done\nprintf 'audio-%s' \"$last\" > \"$last\"\n")
	return media.Tools{FFprobe: ffprobe, FFmpeg: ffmpeg}
}

func newTestPipeline(t *testing.T, backend *stubBackend, probePayload string) (*Pipeline, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	p, err := NewWithBackend(cfg, nil, backend, testTools(t, probePayload))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, cfg
}

func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.m4b")
	testsupport.WriteFile(t, path, 64)
	return path
}

func syncDocuments(t *testing.T, epubPath string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(epubPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer r.Close()
	docs := make(map[string]string)
	for _, f := range r.File {
		ext := filepath.Ext(f.Name)
		if ext != ".smil" && ext != ".xhtml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		docs[f.Name] = string(data)
	}
	return docs
}

func TestRunTranscriptMode(t *testing.T) {
	backend := &stubBackend{}
	p, cfg := newTestPipeline(t, backend, testProbeJSON)

	result, err := p.Run(context.Background(), Request{
		SourcePath:     sourceFile(t),
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Succeeded() != 2 || result.Failed() != 0 {
		t.Fatalf("unexpected outcome counts: %+v", result.Outcomes)
	}
	for _, o := range result.Outcomes {
		if o.Status != joblog.StatusOK {
			t.Errorf("chapter %d status %s", o.Index, o.Status)
		}
	}
	wantOutput := filepath.Join(cfg.Paths.OutputDir, "Test_Book.epub")
	if result.OutputPath != wantOutput {
		t.Fatalf("output %s, want %s", result.OutputPath, wantOutput)
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if backend.calls.Load() != 2 {
		t.Fatalf("backend called %d times, want 2", backend.calls.Load())
	}
}

func TestRunCachedRerunIsIdempotent(t *testing.T) {
	backend := &stubBackend{}
	p, _ := newTestPipeline(t, backend, testProbeJSON)
	src := sourceFile(t)

	first, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstDocs := syncDocuments(t, first.OutputPath)

	second, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if backend.calls.Load() != 2 {
		t.Fatalf("cached rerun hit the backend (%d calls)", backend.calls.Load())
	}
	for _, o := range second.Outcomes {
		if !o.CacheHit {
			t.Errorf("chapter %d missed the cache", o.Index)
		}
	}

	secondDocs := syncDocuments(t, second.OutputPath)
	if len(firstDocs) == 0 || len(firstDocs) != len(secondDocs) {
		t.Fatalf("document sets differ: %d vs %d", len(firstDocs), len(secondDocs))
	}
	for name, content := range firstDocs {
		if secondDocs[name] != content {
			t.Errorf("sync document %s changed between identical runs", name)
		}
	}
}

func TestRunForceRefreshBypassesCache(t *testing.T) {
	backend := &stubBackend{}
	p, _ := newTestPipeline(t, backend, testProbeJSON)
	src := sourceFile(t)

	if _, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true, ForceRefresh: true}); err != nil {
		t.Fatal(err)
	}
	if backend.calls.Load() != 4 {
		t.Fatalf("force refresh should re-transcribe (%d calls)", backend.calls.Load())
	}
}

func TestRunIsolatesChapterFailure(t *testing.T) {
	backend := &stubBackend{failOn: "002_Two.mp3"}
	p, _ := newTestPipeline(t, backend, testProbeJSON)

	result, err := p.Run(context.Background(), Request{SourcePath: sourceFile(t), SkipValidation: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Succeeded() != 1 || result.Failed() != 1 {
		t.Fatalf("unexpected counts: ok=%d failed=%d", result.Succeeded(), result.Failed())
	}
	var failed *ChapterOutcome
	for i := range result.Outcomes {
		if result.Outcomes[i].Status == joblog.StatusFailed {
			failed = &result.Outcomes[i]
		}
	}
	if failed == nil || failed.Index != 2 {
		t.Fatalf("wrong failed chapter: %+v", failed)
	}
	var boe *token.BackendOutputError
	if !errors.As(failed.Err, &boe) {
		t.Fatalf("expected BackendOutputError, got %v", failed.Err)
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Fatal("run with one good chapter must still produce output")
	}
}

func TestRunClampedTokenDoesNotAbortRun(t *testing.T) {
	// The second token overlaps the first; normalization clamps it to a
	// zero-length clip, which must leave the unit untimed rather than
	// producing an invalid timing that sinks the whole book at assembly.
	backend := &stubBackend{rawFor: map[string][]token.Raw{
		"002_Two.mp3": {
			{Text: "hello", Start: 0.0, End: 0.5, Confidence: 0.9},
			{Text: "world", Start: 0.4, End: 0.45, Confidence: 0.9},
		},
	}}
	p, _ := newTestPipeline(t, backend, testProbeJSON)

	result, err := p.Run(context.Background(), Request{SourcePath: sourceFile(t), SkipValidation: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed() != 0 {
		t.Fatalf("unexpected failures: %+v", result.Outcomes)
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Fatal("output missing")
	}
	second := result.Outcomes[1]
	if second.Status != joblog.StatusOK {
		t.Fatalf("clamped chapter status %q: %s", second.Status, second.Reason())
	}
	if second.Coverage != 0.5 {
		t.Fatalf("expected coverage 0.5 with one untimed unit, got %v", second.Coverage)
	}

	docs := syncDocuments(t, result.OutputPath)
	smil := docs["OEBPS/Text/chapter_002.smil"]
	if !strings.Contains(smil, "par_seg_002_000") {
		t.Fatal("timed unit missing from SMIL")
	}
	if strings.Contains(smil, "par_seg_002_001") {
		t.Fatal("zero-length clip reached the SMIL output")
	}
	if !strings.Contains(docs["OEBPS/Text/chapter_002.xhtml"], "seg_002_001") {
		t.Fatal("untimed unit must still render in the XHTML")
	}
}

func TestRunInvalidCachedChapterRecomputed(t *testing.T) {
	backend := &stubBackend{}
	p, cfg := newTestPipeline(t, backend, testProbeJSON)
	src := sourceFile(t)

	if _, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true}); err != nil {
		t.Fatal(err)
	}
	poisonCachedChapters(t, cfg.Paths.CacheDir)

	result, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true})
	if err != nil {
		t.Fatalf("rerun with poisoned cache: %v", err)
	}
	for _, o := range result.Outcomes {
		if o.Status == joblog.StatusFailed {
			t.Fatalf("chapter %d failed: %s", o.Index, o.Reason())
		}
		if o.CacheHit {
			t.Errorf("chapter %d served from an invalid cache entry", o.Index)
		}
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Fatal("output missing")
	}
}

// poisonCachedChapters rewrites every cached chapter payload so its first
// timing has an empty clip range while the fingerprint stays valid.
func poisonCachedChapters(t *testing.T, cacheDir string) {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(cacheDir, "chapter_*.json"))
	if err != nil || len(paths) == 0 {
		t.Fatalf("no cached chapters to poison: %v", err)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var env struct {
			Fingerprint string               `json:"fingerprint"`
			CreatedAt   time.Time            `json:"created_at"`
			Payload     cache.ChapterPayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		if len(env.Payload.Timings) == 0 {
			t.Fatalf("cached chapter %s has no timings", path)
		}
		env.Payload.Timings[0].ClipEndMS = env.Payload.Timings[0].ClipBeginMS
		rewritten, err := json.Marshal(env)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, rewritten, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunKeepFailedRendersTitleFallback(t *testing.T) {
	backend := &stubBackend{failOn: "002_Two.mp3"}
	p, _ := newTestPipeline(t, backend, testProbeJSON)
	src := sourceFile(t)

	result, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true, KeepFailed: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed() != 0 {
		t.Fatalf("keep-failed run reported failures: %+v", result.Outcomes)
	}
	second := result.Outcomes[1]
	if second.Status != joblog.StatusDegraded {
		t.Fatalf("fallback chapter status %q", second.Status)
	}
	if !strings.Contains(second.Reason(), "fallback") {
		t.Fatalf("fallback chapter reason %q", second.Reason())
	}

	docs := syncDocuments(t, result.OutputPath)
	xhtml := docs["OEBPS/Text/chapter_002.xhtml"]
	if !strings.Contains(xhtml, `id="seg_002_000"`) || !strings.Contains(xhtml, ">Two<") {
		t.Fatalf("fallback chapter text missing:\n%s", xhtml)
	}
	smil := docs["OEBPS/Text/chapter_002.smil"]
	if !strings.Contains(smil, "par_seg_002_000") || !strings.Contains(smil, "00:00:10.000") {
		t.Fatalf("fallback timing missing:\n%s", smil)
	}

	// The fallback is never cached, so a rerun retries the backend.
	if _, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true, KeepFailed: true}); err != nil {
		t.Fatal(err)
	}
	if backend.calls.Load() != 3 {
		t.Fatalf("expected fallback chapter to retry transcription (%d calls)", backend.calls.Load())
	}
}

func TestRunAllChaptersFailed(t *testing.T) {
	backend := &stubBackend{}
	p, _ := newTestPipeline(t, backend, testProbeJSON)
	// Both chapters fail by making the backend reject every file.
	backend.failOn = ""
	p.backend = &failingBackend{}

	result, err := p.Run(context.Background(), Request{SourcePath: sourceFile(t), SkipValidation: true})
	if err == nil {
		t.Fatal("expected error when zero chapters succeed")
	}
	if result == nil || result.Succeeded() != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "stub" }

func (failingBackend) Transcribe(context.Context, string, segment.Granularity) ([]token.Raw, error) {
	return nil, &token.BackendOutputError{Backend: "stub", Reason: "always fails"}
}

func TestRunNoChapterMetadataIsFatal(t *testing.T) {
	backend := &stubBackend{}
	p, cfg := newTestPipeline(t, backend, emptyProbeJSON)

	_, err := p.Run(context.Background(), Request{SourcePath: sourceFile(t), SkipValidation: true})
	var noChapters *media.NoChapterMetadataError
	if !errors.As(err, &noChapters) {
		t.Fatalf("expected NoChapterMetadataError, got %v", err)
	}
	if backend.calls.Load() != 0 {
		t.Fatal("no chapter work may start without chapter markers")
	}
	entries, _ := os.ReadDir(cfg.Paths.OutputDir)
	if len(entries) != 0 {
		t.Fatal("fatal probe must not leave partial output")
	}
}

func TestRunParallelMatchesSequential(t *testing.T) {
	src := sourceFile(t)

	runWith := func(concurrency int) map[string]string {
		backend := &stubBackend{}
		cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(concurrency))
		p, err := NewWithBackend(cfg, nil, backend, testTools(t, testProbeJSON))
		if err != nil {
			t.Fatal(err)
		}
		defer p.Close()
		result, err := p.Run(context.Background(), Request{SourcePath: src, SkipValidation: true})
		if err != nil {
			t.Fatal(err)
		}
		return syncDocuments(t, result.OutputPath)
	}

	sequential := runWith(1)
	parallel := runWith(4)
	if len(sequential) != len(parallel) {
		t.Fatalf("document sets differ: %d vs %d", len(sequential), len(parallel))
	}
	for name, content := range sequential {
		if parallel[name] != content {
			t.Errorf("document %s differs between sequential and parallel runs", name)
		}
	}
}

func TestResolveOutputExplicit(t *testing.T) {
	p := &Pipeline{cfg: testsupport.NewConfig(t)}
	out, err := p.resolveOutput(Request{OutputPath: "/tmp/custom.epub"}, book.Metadata{Title: "x"})
	if err != nil || out != "/tmp/custom.epub" {
		t.Fatalf("got %q, %v", out, err)
	}

	derived, err := p.resolveOutput(Request{}, book.Metadata{Title: "My: Book"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(derived) != "My_Book.epub" {
		t.Fatalf("derived output %q", derived)
	}
}
