// Package token normalizes raw speech-recognition output into the uniform
// timed-token stream the rest of the pipeline consumes.
//
// Backends report words (or sentences) with float-second timestamps and
// optional confidence. Normalization converts to millisecond integers, drops
// whitespace-only tokens, and clamps small timestamp overlaps so the stream
// is monotonic. Corrupt output (no tokens, negative or sharply decreasing
// timestamps) is a BackendOutputError: the chapter fails, the run continues.
package token

import (
	"fmt"
	"log/slog"
	"strings"

	"readalong/internal/logging"
)

// NoConfidence marks tokens whose backend did not report a confidence score.
const NoConfidence = -1.0

// Raw is a single token as parsed from backend output, in seconds.
type Raw struct {
	Text       string
	Start      float64
	End        float64
	Confidence float64
}

// TimedToken is the uniform normalized token. Timestamps are milliseconds
// from chapter start; Confidence is NoConfidence when absent.
type TimedToken struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// BackendOutputError indicates the transcription backend produced output the
// pipeline cannot trust. The owning chapter is marked failed.
type BackendOutputError struct {
	Backend string
	Reason  string
}

func (e *BackendOutputError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("backend output error: %s", e.Reason)
	}
	return fmt.Sprintf("backend output error (%s): %s", e.Backend, e.Reason)
}

// regressionToleranceMS is the largest backward jump in start times treated
// as jitter rather than corruption.
const regressionToleranceMS = 250

// Normalize converts raw backend tokens into the uniform stream.
//
// Whitespace-only tokens are dropped. A token starting before the previous
// token's end is clamped forward with a warning. A token starting earlier
// than the previous start by more than the tolerance, or any negative
// timestamp, fails with BackendOutputError.
func Normalize(backend string, raws []Raw, logger *slog.Logger) ([]TimedToken, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	out := make([]TimedToken, 0, len(raws))
	var prevStart, prevEnd int64
	clamped := 0

	for i, raw := range raws {
		text := strings.TrimSpace(raw.Text)
		if text == "" {
			continue
		}
		if raw.Start < 0 || raw.End < 0 {
			return nil, &BackendOutputError{Backend: backend, Reason: fmt.Sprintf("negative timestamp at token %d", i)}
		}

		startMS := int64(raw.Start * 1000)
		endMS := int64(raw.End * 1000)
		if endMS < startMS {
			endMS = startMS
		}

		if len(out) > 0 {
			if startMS < prevStart-regressionToleranceMS {
				return nil, &BackendOutputError{
					Backend: backend,
					Reason:  fmt.Sprintf("timestamps decrease at token %d (%dms after %dms)", i, startMS, prevStart),
				}
			}
			if startMS < prevEnd {
				clamped++
				startMS = prevEnd
				if endMS < startMS {
					endMS = startMS
				}
			}
		}

		confidence := raw.Confidence
		if confidence < 0 || confidence > 1 {
			confidence = NoConfidence
		}

		out = append(out, TimedToken{Text: text, StartMS: startMS, EndMS: endMS, Confidence: confidence})
		prevStart = startMS
		prevEnd = endMS
	}

	if len(out) == 0 {
		return nil, &BackendOutputError{Backend: backend, Reason: "no tokens returned for non-empty audio"}
	}

	if clamped > 0 {
		logger.Warn("clamped overlapping token timestamps",
			logging.String(logging.FieldEventType, "token_overlap_clamped"),
			logging.Int("token_count", len(out)),
			logging.Int("clamped_count", clamped),
			logging.String("backend", backend),
		)
	}

	return out, nil
}
