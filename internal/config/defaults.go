package config

const (
	defaultCacheDir            = "~/.cache/readalong"
	defaultOutputDir           = "."
	defaultLogDir              = "~/.local/share/readalong/logs"
	defaultBackend             = "auto"
	defaultWhisperModel        = "base"
	defaultGranularity         = "word"
	defaultSimilarityThreshold = 0.5
	defaultMinCoverage         = 0.5
	defaultMaxSentenceLength   = 200
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir:  defaultCacheDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
		},
		Transcription: Transcription{
			Backend: defaultBackend,
			Model:   defaultWhisperModel,
		},
		Sync: Sync{
			Granularity:         defaultGranularity,
			SimilarityThreshold: defaultSimilarityThreshold,
			MinCoverage:         defaultMinCoverage,
			MaxSentenceLength:   defaultMaxSentenceLength,
		},
		Workflow: Workflow{},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
