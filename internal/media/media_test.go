package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const probeJSON = `{
  "chapters": [
    {"id": 0, "start_time": "0.000000", "end_time": "300.500000", "tags": {"title": "Prologue"}},
    {"id": 1, "start_time": "300.500000", "end_time": "900.000000", "tags": {"title": "The Road: Part 1"}}
  ],
  "format": {
    "duration": "900.000000",
    "tags": {"title": "A Test Book", "artist": "A. Writer", "composer": "N. Reader"}
  }
}`

const noChapterJSON = `{
  "chapters": [],
  "format": {"duration": "900.000000", "tags": {"album": "Fallback Title"}}
}`

// stubTool writes a script that prints the given payload regardless of
// arguments, standing in for ffprobe in tests.
func stubTool(t *testing.T, payload string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "stub")
	script := "#!/bin/sh\ncat <<'PAYLOAD'\n" + payload + "\nPAYLOAD\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeChapters(t *testing.T) {
	tools := Tools{FFprobe: stubTool(t, probeJSON)}
	meta, marks, err := Probe(context.Background(), tools, "book.m4b")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if meta.Title != "A Test Book" || meta.Author != "A. Writer" || meta.Narrator != "N. Reader" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.DurationMS != 900000 {
		t.Fatalf("duration %d, want 900000", meta.DurationMS)
	}
	if len(marks) != 2 {
		t.Fatalf("expected 2 chapter marks, got %d", len(marks))
	}
	if marks[0].Index != 1 || marks[0].Title != "Prologue" || marks[0].EndMS != 300500 {
		t.Fatalf("unexpected first mark: %+v", marks[0])
	}
	if marks[1].StartMS != 300500 || marks[1].DurationMS() != 599500 {
		t.Fatalf("unexpected second mark: %+v", marks[1])
	}
}

func TestProbeNoChapters(t *testing.T) {
	tools := Tools{FFprobe: stubTool(t, noChapterJSON)}
	meta, _, err := Probe(context.Background(), tools, "book.m4b")
	var noChapters *NoChapterMetadataError
	if !errors.As(err, &noChapters) {
		t.Fatalf("expected NoChapterMetadataError, got %v", err)
	}
	if meta.Title != "Fallback Title" {
		t.Fatalf("album tag should back the title: %+v", meta)
	}
}

func TestProbeEmptyPath(t *testing.T) {
	if _, _, err := Probe(context.Background(), Tools{}, "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAudioFileName(t *testing.T) {
	mark := ChapterMark{Index: 3, Title: "The Road: Part 1"}
	if got := mark.AudioFileName(); got != "003_The_Road_Part_1.mp3" {
		t.Fatalf("AudioFileName() = %q", got)
	}
}

func TestExtractChapterReusesExisting(t *testing.T) {
	destDir := t.TempDir()
	mark := ChapterMark{Index: 1, Title: "One", StartMS: 0, EndMS: 1000}
	existing := filepath.Join(destDir, mark.AudioFileName())
	if err := os.WriteFile(existing, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The ffmpeg stub would fail loudly if invoked.
	tools := Tools{FFmpeg: filepath.Join(t.TempDir(), "missing")}
	path, err := ExtractChapter(context.Background(), tools, "src.m4b", destDir, mark, false, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if path != existing {
		t.Fatalf("expected reuse of %s, got %s", existing, path)
	}
}

func TestExtractChapterForceReExtracts(t *testing.T) {
	destDir := t.TempDir()
	mark := ChapterMark{Index: 1, Title: "One", StartMS: 0, EndMS: 1000}
	existing := filepath.Join(destDir, mark.AudioFileName())
	if err := os.WriteFile(existing, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	tools := Tools{FFmpeg: filepath.Join(t.TempDir(), "missing")}
	if _, err := ExtractChapter(context.Background(), tools, "src.m4b", destDir, mark, true, nil); err == nil {
		t.Fatal("force extraction should have invoked the missing binary and failed")
	}
}

func TestMsToSeconds(t *testing.T) {
	if got := msToSeconds(90500); got != "90.500" {
		t.Fatalf("msToSeconds(90500) = %q", got)
	}
}
