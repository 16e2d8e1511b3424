// Package media wraps the ffprobe and ffmpeg invocations that turn a source
// audiobook into per-chapter audio files.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"readalong/internal/book"
	"readalong/internal/logging"
	"readalong/internal/services"
	"readalong/internal/textutil"
)

// NoChapterMetadataError means the source carries no embedded chapter
// markers. There is no fallback inference from silence detection, so the
// whole run aborts.
type NoChapterMetadataError struct {
	Path string
}

func (e *NoChapterMetadataError) Error() string {
	return fmt.Sprintf("%s has no embedded chapter markers", e.Path)
}

// Tools names the external binaries. Zero values select the PATH defaults.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

func (t Tools) ffmpeg() string {
	if t.FFmpeg != "" {
		return t.FFmpeg
	}
	return "ffmpeg"
}

func (t Tools) ffprobe() string {
	if t.FFprobe != "" {
		return t.FFprobe
	}
	return "ffprobe"
}

// probeResult mirrors the subset of ffprobe JSON output the pipeline reads.
type probeResult struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Chapters []probeChapter `json:"chapters"`
}

type probeChapter struct {
	ID        int64             `json:"id"`
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

// ChapterMark is one embedded chapter marker from the source container.
type ChapterMark struct {
	Index   int
	Title   string
	StartMS int64
	EndMS   int64
}

func (c ChapterMark) DurationMS() int64 { return c.EndMS - c.StartMS }

// AudioFileName is the extracted chapter's file name inside the work and
// output directories.
func (c ChapterMark) AudioFileName() string {
	return fmt.Sprintf("%03d_%s.mp3", c.Index, textutil.SanitizeFileName(c.Title))
}

// Probe runs ffprobe against the audiobook and returns its metadata and
// chapter markers. A source without chapter markers fails with
// NoChapterMetadataError.
func Probe(ctx context.Context, tools Tools, path string) (book.Metadata, []ChapterMark, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return book.Metadata{}, nil, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, tools.ffprobe(),
		"-v", "error", "-hide_banner",
		"-print_format", "json",
		"-show_format", "-show_chapters",
		"--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return book.Metadata{}, nil, services.Wrap(services.ErrExternalTool, "probe", "ffprobe",
			strings.TrimSpace(string(output)), err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return book.Metadata{}, nil, services.Wrap(services.ErrExternalTool, "probe", "ffprobe",
			"parse ffprobe output", err)
	}

	meta := metadataFrom(result)
	marks := chapterMarks(result.Chapters)
	if len(marks) == 0 {
		return meta, nil, &NoChapterMetadataError{Path: path}
	}
	return meta, marks, nil
}

func metadataFrom(result probeResult) book.Metadata {
	tags := lowerTags(result.Format.Tags)
	title := tags["title"]
	if title == "" {
		title = tags["album"]
	}
	if title == "" {
		title = "Unknown Title"
	}
	author := tags["artist"]
	if author == "" {
		author = tags["album_artist"]
	}
	if author == "" {
		author = "Unknown Author"
	}
	return book.Metadata{
		Title:      title,
		Author:     author,
		Narrator:   tags["composer"],
		Language:   tags["language"],
		DurationMS: secondsToMS(result.Format.Duration),
	}
}

func chapterMarks(chapters []probeChapter) []ChapterMark {
	marks := make([]ChapterMark, 0, len(chapters))
	for i, ch := range chapters {
		tags := lowerTags(ch.Tags)
		title := tags["title"]
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		start := secondsToMS(ch.StartTime)
		end := secondsToMS(ch.EndTime)
		if end <= start {
			continue
		}
		marks = append(marks, ChapterMark{
			Index:   i + 1,
			Title:   title,
			StartMS: start,
			EndMS:   end,
		})
	}
	return marks
}

func lowerTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[strings.ToLower(k)] = v
	}
	return out
}

func secondsToMS(value string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * 1000)
}

// ExtractChapter writes one chapter's audio as a 128k MP3. Existing output
// is reused unless force is set; extraction is atomic so an interrupted run
// never leaves a truncated file behind.
func ExtractChapter(ctx context.Context, tools Tools, sourcePath, destDir string, mark ChapterMark, force bool, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create audio directory: %w", err)
	}
	destPath := filepath.Join(destDir, mark.AudioFileName())
	if !force {
		if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
			logger.Debug("reusing extracted chapter audio",
				logging.String("path", destPath))
			return destPath, nil
		}
	}

	tmpPath := destPath + ".part"
	cmd := exec.CommandContext(ctx, tools.ffmpeg(),
		"-v", "error", "-hide_banner",
		"-i", sourcePath,
		"-ss", msToSeconds(mark.StartMS),
		"-to", msToSeconds(mark.EndMS),
		"-vn",
		"-c:a", "mp3",
		"-b:a", "128k",
		"-f", "mp3",
		"-y", tmpPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", services.Wrap(services.ErrExternalTool, "extract", "ffmpeg",
			strings.TrimSpace(string(output)), err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("finalize chapter audio: %w", err)
	}
	logger.Debug("extracted chapter audio", logging.String("path", destPath))
	return destPath, nil
}

func msToSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}
