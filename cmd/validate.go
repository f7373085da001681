package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file|dir]",
		Short: "Check downloaded media for corruption",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			target := utils.SanitizePath(args[0])
			if target == "" {
				output.PrintError("Invalid path")
				os.Exit(1)
			}
			info, err := os.Stat(target)
			if err != nil {
				output.PrintError(fmt.Sprintf("Cannot read %s: %v", target, err))
				os.Exit(1)
			}
			var files []string
			if info.IsDir() {
				files, err = collectMedia(target)
				if err != nil {
					output.PrintError(fmt.Sprintf("Failed to scan %s: %v", target, err))
					os.Exit(1)
				}
			} else {
				files = []string{target}
			}
			if len(files) == 0 {
				output.PrintWarning("No media files found")
				return
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			checker := validate.NewChecker(settings.FFprobePath)
			if !checker.Available() {
				output.PrintWarning("ffprobe not found, falling back to size checks only")
			}
			bad := 0
			for _, f := range files {
				report := checker.CheckAny(ctx, f)
				name := filepath.Base(f)
				if !report.OK {
					output.PrintError(fmt.Sprintf("%s: %s", name, report.Reason))
					bad++
					continue
				}
				detail := utils.FormatBytes(uint64(report.Size))
				if report.HasVideo {
					detail = fmt.Sprintf("%s, %s, %.1fs", detail, report.Codec, report.Duration)
				}
				output.PrintSuccess(fmt.Sprintf("%s (%s)", name, detail))
			}
			fmt.Println()
			if bad > 0 {
				output.PrintError(fmt.Sprintf("%d of %d files failed validation", bad, len(files)))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("All %d files passed validation", len(files)))
		},
	}
}

func collectMedia(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == utils.TempDirName || d.Name() == utils.FailedDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if validate.IsMediaExt(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
