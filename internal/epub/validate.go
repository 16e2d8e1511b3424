package epub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"readalong/internal/logging"
)

// ValidationResult is the outcome of an epubcheck run. Findings never alter
// the produced output; they are reported as-is.
type ValidationResult struct {
	Passed bool
	Output string
}

// Validate runs epubcheck against the container when both Java and an
// epubcheck jar can be found. A missing toolchain skips validation rather
// than failing the build.
func Validate(ctx context.Context, epubPath, jarPath string, logger *slog.Logger) (*ValidationResult, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	jar := locateJar(jarPath)
	if jar == "" {
		logger.Info("epubcheck jar not found, skipping validation")
		return nil, nil
	}
	javaBin, err := exec.LookPath("java")
	if err != nil {
		logger.Info("java not found, skipping validation")
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, javaBin, "-jar", jar, epubPath)
	output, err := cmd.CombinedOutput()
	result := &ValidationResult{
		Passed: err == nil,
		Output: strings.TrimSpace(string(output)),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run epubcheck: %w", err)
		}
	}
	return result, nil
}

func locateJar(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, candidate := range []string{
		filepath.Join(cwd, "epubcheck.jar"),
		filepath.Join(cwd, "tools", "epubcheck", "epubcheck.jar"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
