package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/archive"
	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
)

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [archive.zip]",
		Short: "Resolve overlay pairs from a downloaded memory archive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			zipPath := utils.SanitizePath(args[0])
			if zipPath == "" || !utils.FileNonEmpty(zipPath) {
				output.PrintError("Archive not found or empty")
				os.Exit(1)
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
			resolver := archive.NewResolver(&settings)
			stem := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			result, err := resolver.Resolve(ctx, zipPath, stem, names, func(line string) {
				output.PrintDetail(line)
			})
			if err != nil {
				output.PrintError(fmt.Sprintf("Merge failed: %v", err))
				os.Exit(1)
			}
			for _, warning := range result.Warnings {
				output.PrintWarning(warning)
			}
			output.PrintSuccess(fmt.Sprintf("Wrote %d files (%d merged) to %s", len(result.Paths), result.Merged, outputDir))
		},
	}
}
