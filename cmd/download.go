package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/download"
	"github.com/tanq16/snapgrab/internal/export"
	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/planner"
	"github.com/tanq16/snapgrab/internal/scheduler"
	"github.com/tanq16/snapgrab/internal/utils"
)

func newDownloadCmd() *cobra.Command {
	var limit int
	var noConvert bool
	var noResume bool
	var reconvertCheck bool

	cmd := &cobra.Command{
		Use:   "download [memories_history.json]",
		Short: "Download every memory from an export file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			records, err := export.ParseFile(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to read export: %v", err))
				os.Exit(1)
			}
			if limit > 0 && limit < len(records) {
				records = records[:limit]
			}
			if len(records) == 0 {
				output.PrintWarning("No downloadable memories in export")
				return
			}
			if err := os.MkdirAll(outputDir, 0755); err != nil {
				output.PrintError(fmt.Sprintf("Failed to create output directory: %v", err))
				os.Exit(1)
			}
			names, err := utils.NewNameAllocator(outputDir)
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to read output directory: %v", err))
				os.Exit(1)
			}
			var state *planner.State
			if !noResume {
				state, err = planner.ReadState(outputDir)
				if err != nil {
					output.PrintError(fmt.Sprintf("Failed to read output directory: %v", err))
					os.Exit(1)
				}
			}

			client := utils.NewSnapHTTPClient(httpConfig())
			orchestrator := download.NewOrchestrator(&settings, client, state)
			jobs := make([]*utils.MemoryJob, 0, len(records))
			for _, record := range records {
				jobs = append(jobs, &utils.MemoryJob{
					ID:             record.ID,
					Record:         record,
					OutputDir:      outputDir,
					Convert:        !noConvert,
					Resume:         !noResume,
					ReconvertCheck: reconvertCheck,
					Retries:        retries,
					Total:          len(records),
					Names:          names,
				})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := scheduler.Run(ctx, orchestrator, jobs, workers, fileLog); err != nil {
				fmt.Println()
				output.PrintError("Encountered failed memories, see errors above")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Process only the first N memories")
	cmd.Flags().BoolVar(&noConvert, "no-convert", false, "Skip video conversion to H.264")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "Ignore files from earlier runs")
	cmd.Flags().BoolVar(&reconvertCheck, "reconvert-check", false, "Probe existing videos and re-encode non-H.264 ones")
	return cmd
}
