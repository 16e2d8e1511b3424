package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"readalong/internal/segment"
	"readalong/internal/services"
	"readalong/internal/token"
)

const parakeetBinary = "parakeet-mlx"

type parakeetBackend struct {
	binary string
}

func newParakeet(Options) *parakeetBackend {
	return &parakeetBackend{binary: parakeetBinary}
}

func (b *parakeetBackend) Name() string { return "parakeet" }

func (b *parakeetBackend) Transcribe(ctx context.Context, audioPath string, granularity segment.Granularity) ([]token.Raw, error) {
	outDir, err := os.MkdirTemp("", "readalong-parakeet-")
	if err != nil {
		return nil, fmt.Errorf("create transcription scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, b.binary,
		"--output-format", "json",
		"--highlight-words",
		"--output-dir", outDir,
		audioPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "transcribe", b.binary,
			strings.TrimSpace(string(output)), err)
	}

	payload, err := readJSONOutput(outDir)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "transcribe", b.binary,
			"locate transcription output", err)
	}
	return parseParakeet(payload, granularity)
}

func readJSONOutput(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			return os.ReadFile(filepath.Join(dir, entry.Name()))
		}
	}
	return nil, fmt.Errorf("no JSON output in %s", dir)
}

type parakeetOutput struct {
	Text      string             `json:"text"`
	Sentences []parakeetSentence `json:"sentences"`
}

type parakeetSentence struct {
	Text   string          `json:"text"`
	Start  float64         `json:"start"`
	End    float64         `json:"end"`
	Tokens []parakeetToken `json:"tokens"`
}

// parakeetToken is a sub-word piece. A leading space marks the start of the
// next word, so pieces are merged until the following space-prefixed piece.
type parakeetToken struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func parseParakeet(payload []byte, granularity segment.Granularity) ([]token.Raw, error) {
	var out parakeetOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &token.BackendOutputError{Backend: "parakeet", Reason: "malformed JSON output"}
	}

	var raws []token.Raw
	for _, sentence := range out.Sentences {
		if granularity == segment.Word && len(sentence.Tokens) > 0 {
			raws = append(raws, mergeSubwords(sentence)...)
			continue
		}
		text := strings.TrimSpace(sentence.Text)
		if text == "" {
			continue
		}
		raws = append(raws, token.Raw{
			Text:       text,
			Start:      sentence.Start,
			End:        sentence.End,
			Confidence: token.NoConfidence,
		})
	}
	if len(raws) == 0 && strings.TrimSpace(out.Text) != "" {
		// Timing-free fallback shape; let normalization decide whether a
		// single untimed blob is usable.
		raws = append(raws, token.Raw{
			Text:       strings.TrimSpace(out.Text),
			Start:      0,
			End:        1,
			Confidence: token.NoConfidence,
		})
	}
	return raws, nil
}

func mergeSubwords(sentence parakeetSentence) []token.Raw {
	var raws []token.Raw
	var current strings.Builder
	var wordStart float64
	started := false

	emit := func(end float64) {
		text := strings.TrimSpace(current.String())
		if text != "" {
			raws = append(raws, token.Raw{
				Text:       text,
				Start:      wordStart,
				End:        end,
				Confidence: token.NoConfidence,
			})
		}
		current.Reset()
	}

	for _, piece := range sentence.Tokens {
		if strings.HasPrefix(piece.Text, " ") && current.Len() > 0 {
			emit(piece.Start)
			wordStart = piece.Start
			started = true
			current.WriteString(piece.Text)
			continue
		}
		if !started {
			wordStart = piece.Start
			started = true
		}
		current.WriteString(piece.Text)
	}
	emit(sentence.End)
	return raws
}
