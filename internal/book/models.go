// Package book defines the in-memory model a pipeline run builds for one
// audiobook: metadata, chapters, sync units, and timing entries.
package book

import (
	"fmt"
	"sort"

	"readalong/internal/segment"
)

// TextSource identifies where a chapter's reading text came from.
type TextSource string

const (
	// SourceTranscript means the reading text is the transcript itself.
	SourceTranscript TextSource = "transcript"
	// SourceOriginalEPUB means the reading text came from a print EPUB and
	// was aligned against the transcript.
	SourceOriginalEPUB TextSource = "original-epub"
)

// TimingEntry links a sync unit to an audio clip range.
type TimingEntry struct {
	AnchorID     string `json:"anchor_id"`
	ClipBeginMS  int64  `json:"clip_begin_ms"`
	ClipEndMS    int64  `json:"clip_end_ms"`
	AudioFileRef string `json:"audio_file_ref"`
}

// Metadata describes the audiobook as a whole.
type Metadata struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	Narrator   string `json:"narrator,omitempty"`
	Language   string `json:"language,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Chapter is the unit of pipeline work. Units and Timings are attached as the
// chapter moves through segmentation and alignment; Timings reference Units by
// anchor id and are ordered by clip begin.
type Chapter struct {
	Index      int                `json:"index"`
	Title      string             `json:"title"`
	AudioPath  string             `json:"audio_path"`
	AudioFile  string             `json:"audio_file"`
	DurationMS int64              `json:"duration_ms"`
	Source     TextSource         `json:"source"`
	Units      []segment.SyncUnit `json:"units"`
	Timings    []TimingEntry      `json:"timings"`
}

// Coverage returns the fraction of units that received a timing entry.
func (c *Chapter) Coverage() float64 {
	if len(c.Units) == 0 {
		return 0
	}
	return float64(len(c.Timings)) / float64(len(c.Units))
}

// ValidateTimings checks the structural invariants every chapter must hold
// before a sync document is generated: timings reference existing anchors,
// are ordered by clip begin, and never overlap.
func (c *Chapter) ValidateTimings() error {
	anchors := make(map[string]struct{}, len(c.Units))
	for _, unit := range c.Units {
		anchors[unit.AnchorID] = struct{}{}
	}
	for i, timing := range c.Timings {
		if _, ok := anchors[timing.AnchorID]; !ok {
			return fmt.Errorf("timing %d references unknown anchor %q", i, timing.AnchorID)
		}
		if timing.ClipEndMS <= timing.ClipBeginMS {
			return fmt.Errorf("timing %q has empty clip range [%d,%d]", timing.AnchorID, timing.ClipBeginMS, timing.ClipEndMS)
		}
		if i > 0 {
			prev := c.Timings[i-1]
			if timing.ClipBeginMS < prev.ClipBeginMS {
				return fmt.Errorf("timing %q begins before preceding entry", timing.AnchorID)
			}
			if timing.ClipBeginMS < prev.ClipEndMS {
				return fmt.Errorf("timing %q overlaps preceding entry", timing.AnchorID)
			}
		}
	}
	return nil
}

// SortTimings orders timings by clip begin. Alignment produces them ordered
// already; this is for data loaded from cache.
func (c *Chapter) SortTimings() {
	sort.SliceStable(c.Timings, func(i, j int) bool {
		return c.Timings[i].ClipBeginMS < c.Timings[j].ClipBeginMS
	})
}
