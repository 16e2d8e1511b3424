package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTranscription(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateTranscription() error {
	switch c.Transcription.Backend {
	case "auto", "parakeet", "whisper":
		return nil
	default:
		return fmt.Errorf("transcription.backend must be auto, parakeet, or whisper (got %q)", c.Transcription.Backend)
	}
}

func (c *Config) validateSync() error {
	switch c.Sync.Granularity {
	case "word", "sentence":
	default:
		return fmt.Errorf("sync.granularity must be word or sentence (got %q)", c.Sync.Granularity)
	}
	if c.Sync.SimilarityThreshold < 0 || c.Sync.SimilarityThreshold > 1 {
		return errors.New("sync.similarity_threshold must be between 0 and 1")
	}
	if c.Sync.MinCoverage < 0 || c.Sync.MinCoverage > 1 {
		return errors.New("sync.min_coverage must be between 0 and 1")
	}
	if c.Sync.MaxSentenceLength < 20 {
		return errors.New("sync.max_sentence_length must be at least 20")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.Concurrency < 0 {
		return errors.New("workflow.concurrency must be zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
}
