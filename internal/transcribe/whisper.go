package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"readalong/internal/segment"
	"readalong/internal/services"
	"readalong/internal/token"
)

const whisperBinary = "whisper"

type whisperBackend struct {
	binary   string
	model    string
	language string
}

func newWhisper(opts Options) *whisperBackend {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "base"
	}
	return &whisperBackend{
		binary:   whisperBinary,
		model:    model,
		language: strings.TrimSpace(opts.Language),
	}
}

func (b *whisperBackend) Name() string { return "whisper" }

func (b *whisperBackend) Transcribe(ctx context.Context, audioPath string, granularity segment.Granularity) ([]token.Raw, error) {
	outDir, err := os.MkdirTemp("", "readalong-whisper-")
	if err != nil {
		return nil, fmt.Errorf("create transcription scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		audioPath,
		"--model", b.model,
		"--output_format", "json",
		"--word_timestamps", "True",
		"--output_dir", outDir,
	}
	if b.language != "" {
		args = append(args, "--language", b.language)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
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
	return parseWhisper(payload, granularity)
}

type whisperOutput struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Text  string        `json:"text"`
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Words []whisperWord `json:"words"`
}

type whisperWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

func parseWhisper(payload []byte, granularity segment.Granularity) ([]token.Raw, error) {
	var out whisperOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &token.BackendOutputError{Backend: "whisper", Reason: "malformed JSON output"}
	}

	var raws []token.Raw
	for _, seg := range out.Segments {
		if granularity == segment.Word && len(seg.Words) > 0 {
			for _, word := range seg.Words {
				raws = append(raws, token.Raw{
					Text:       strings.TrimSpace(word.Word),
					Start:      word.Start,
					End:        word.End,
					Confidence: word.Probability,
				})
			}
			continue
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		raws = append(raws, token.Raw{
			Text:       text,
			Start:      seg.Start,
			End:        seg.End,
			Confidence: token.NoConfidence,
		})
	}
	return raws, nil
}
