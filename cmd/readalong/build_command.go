package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"readalong/internal/config"
	"readalong/internal/logging"
	"readalong/internal/pipeline"
	"readalong/internal/syncdoc"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var (
		epubFlag         string
		outputFlag       string
		forceRefresh     bool
		maxChapters      int
		backendFlag      string
		granularityFlag  string
		cacheDirFlag     string
		keepFailed       bool
		skipValidation   bool
		epubcheckJarFlag string
		verbose          bool
	)

	cmd := &cobra.Command{
		Use:   "build <audiobook>",
		Short: "Build a read-along EPUB from a chaptered audiobook",
		Long: `Build extracts chapters from the audiobook, transcribes each one,
synchronizes the text with the narration, and writes an EPUB 3 book with
media overlays. Pass --original-epub to reuse the print edition's text and styling
instead of the raw transcript.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if backendFlag != "" {
				cfg.Transcription.Backend = backendFlag
			}
			if granularityFlag != "" {
				cfg.Sync.Granularity = granularityFlag
			}
			if cacheDirFlag != "" {
				dir, err := config.ExpandPath(cacheDirFlag)
				if err != nil {
					return err
				}
				cfg.Paths.CacheDir = dir
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := pipeline.New(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.Run(runCtx, pipeline.Request{
				SourcePath:     args[0],
				OriginalEPUB:   epubFlag,
				OutputPath:     outputFlag,
				ForceRefresh:   forceRefresh,
				MaxChapters:    maxChapters,
				KeepFailed:     keepFailed,
				EpubcheckJar:   epubcheckJarFlag,
				SkipValidation: skipValidation,
			})
			if result != nil {
				printRunReport(cmd, result)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&epubFlag, "original-epub", "", "Original EPUB providing reading text and styling")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output EPUB path (default: derived from the book title)")
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "Bypass cached transcriptions and alignments")
	cmd.Flags().IntVar(&maxChapters, "max-chapters", 0, "Process only the first N chapters")
	cmd.Flags().StringVar(&backendFlag, "backend", "", "Transcription backend: auto, parakeet, or whisper")
	cmd.Flags().StringVar(&granularityFlag, "granularity", "", "Sync granularity: word or sentence")
	cmd.Flags().StringVar(&cacheDirFlag, "cache-dir", "", "Override the transcription cache directory")
	cmd.Flags().BoolVar(&keepFailed, "keep-failed", false, "Keep chapters whose transcription failed, with title-only text")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip the epubcheck pass")
	cmd.Flags().StringVar(&epubcheckJarFlag, "epubcheck-jar", "", "Path to epubcheck.jar for validation")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func printRunReport(cmd *cobra.Command, result *pipeline.Result) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(os.Stdout)

	rows := make([][]string, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		rows = append(rows, []string{
			fmt.Sprintf("%d", o.Index),
			o.Title,
			syncdoc.FormatClock(o.DurationMS),
			colorizeStatus(string(o.Status), colorize),
			coverageCell(o),
			o.Reason(),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Chapter", "Duration", "Status", "Coverage", "Notes"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	))

	fmt.Fprintf(out, "%d/%d chapters succeeded", result.Succeeded(), len(result.Outcomes))
	if result.OutputPath != "" && result.Succeeded() > 0 {
		fmt.Fprintf(out, " -> %s", result.OutputPath)
	}
	fmt.Fprintln(out)

	if result.Validation != nil {
		if result.Validation.Passed {
			fmt.Fprintln(out, "epubcheck: passed")
		} else {
			fmt.Fprintln(out, "epubcheck: FAILED")
			if msg := strings.TrimSpace(result.Validation.Output); msg != "" {
				fmt.Fprintln(out, msg)
			}
		}
	}
}

func coverageCell(o pipeline.ChapterOutcome) string {
	if o.Err != nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", o.Coverage*100)
}
