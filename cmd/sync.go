package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/mirror"
	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
)

func newSyncCmd() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "sync [dir] [s3://bucket/prefix]",
		Short: "Mirror downloaded memories to an S3 bucket",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			dir := utils.SanitizePath(args[0])
			if dir == "" {
				output.PrintError("Invalid directory path")
				os.Exit(1)
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				output.PrintError(fmt.Sprintf("%s is not a readable directory", dir))
				os.Exit(1)
			}
			if profile == "" {
				profile = settings.AWSProfile
			}
			syncer, err := mirror.NewSyncer(args[1], profile, workers)
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to set up mirror: %v", err))
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			summary, err := syncer.Sync(ctx, dir, func(line string) {
				output.PrintDetail(line)
			})
			if err != nil {
				output.PrintError(fmt.Sprintf("Mirror failed: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Mirrored %d files (%s), %d already current",
				summary.Uploaded, utils.FormatBytes(uint64(summary.Bytes)), summary.Skipped))
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "AWS shared config profile (defaults to AWS_PROFILE)")
	return cmd
}
