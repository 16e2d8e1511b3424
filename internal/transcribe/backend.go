// Package transcribe abstracts speech-to-text backends behind a single
// capability: turn a chapter audio file into raw timed tokens. Each backend
// is an external CLI; selection probes availability at startup.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"readalong/internal/logging"
	"readalong/internal/segment"
	"readalong/internal/token"
)

// Backend transcribes one audio file. Output is backend-shaped raw tokens;
// normalization into the uniform timed-token form happens downstream.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string, granularity segment.Granularity) ([]token.Raw, error)
}

// Options configure backend construction from user settings.
type Options struct {
	// Backend is auto, parakeet, or whisper.
	Backend  string
	Model    string
	Language string
}

// Select resolves the configured backend, probing the PATH in preference
// order when set to auto. Parakeet is preferred where available.
func Select(opts Options, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	name := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch name {
	case "", "auto":
		if _, err := exec.LookPath(parakeetBinary); err == nil {
			logger.Info("selected transcription backend", logging.String("backend", "parakeet"))
			return newParakeet(opts), nil
		}
		if _, err := exec.LookPath(whisperBinary); err == nil {
			logger.Info("selected transcription backend", logging.String("backend", "whisper"))
			return newWhisper(opts), nil
		}
		return nil, fmt.Errorf("no transcription backend found on PATH (looked for %s, %s)",
			parakeetBinary, whisperBinary)
	case "parakeet":
		if _, err := exec.LookPath(parakeetBinary); err != nil {
			return nil, fmt.Errorf("transcription backend parakeet requested but %s not found: %w",
				parakeetBinary, err)
		}
		return newParakeet(opts), nil
	case "whisper":
		if _, err := exec.LookPath(whisperBinary); err != nil {
			return nil, fmt.Errorf("transcription backend whisper requested but %s not found: %w",
				whisperBinary, err)
		}
		return newWhisper(opts), nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", opts.Backend)
	}
}
