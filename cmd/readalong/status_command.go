package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"readalong/internal/joblog"
	"readalong/internal/syncdoc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a build and its per-chapter outcomes (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := joblog.Open(cfg.Paths.LogDir)
			if err != nil {
				return err
			}
			defer store.Close()

			var run *joblog.Run
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid run id %q", args[0])
				}
				run, err = store.RunByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %d not found", id)
				}
			} else {
				run, err = store.LatestRun(cmd.Context())
				if err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if run == nil {
				fmt.Fprintln(out, "No builds recorded yet.")
				return nil
			}

			fmt.Fprintf(out, "Source:  %s\n", run.SourcePath)
			fmt.Fprintf(out, "Output:  %s\n", run.OutputPath)
			fmt.Fprintf(out, "Backend: %s (%s granularity)\n", run.Backend, run.Granularity)
			fmt.Fprintf(out, "Started: %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
			if run.FinishedAt.IsZero() {
				fmt.Fprintln(out, "State:   in progress or interrupted")
			} else if run.Succeeded {
				fmt.Fprintln(out, "State:   completed")
			} else {
				fmt.Fprintln(out, "State:   failed")
			}

			chapters, err := store.Chapters(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if len(chapters) == 0 {
				return nil
			}

			colorize := shouldColorize(os.Stdout)
			rows := make([][]string, 0, len(chapters))
			for _, rec := range chapters {
				cached := ""
				if rec.CacheHit {
					cached = "cached"
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", rec.ChapterIndex),
					rec.Title,
					syncdoc.FormatClock(rec.DurationMS),
					colorizeStatus(string(rec.Status), colorize),
					fmt.Sprintf("%.0f%%", rec.Coverage*100),
					cached,
					rec.Reason,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Chapter", "Duration", "Status", "Coverage", "Cache", "Notes"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
