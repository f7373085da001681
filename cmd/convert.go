package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/convert"
	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert [file|dir]",
		Short: "Re-encode videos to portable H.264 MP4",
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

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			checker := validate.NewChecker(settings.FFprobePath)
			var files []string
			if info.IsDir() {
				// directory form only touches videos that are not already H.264
				files, err = collectNonPortableVideos(ctx, target, checker)
				if err != nil {
					output.PrintError(fmt.Sprintf("Failed to scan %s: %v", target, err))
					os.Exit(1)
				}
			} else {
				files = []string{target}
			}
			if len(files) == 0 {
				output.PrintInfo("No videos need conversion")
				return
			}

			converter := convert.NewConverter(&settings)
			converted, failed := 0, 0
			for _, src := range files {
				if ctx.Err() != nil {
					break
				}
				dst := src
				if strings.ToLower(filepath.Ext(src)) != ".mp4" {
					dst = strings.TrimSuffix(src, filepath.Ext(src)) + ".mp4"
				}
				output.PrintDetail(fmt.Sprintf("Converting %s", filepath.Base(src)))
				result, err := converter.Convert(ctx, src, dst, nil)
				if err != nil {
					output.PrintError(fmt.Sprintf("%s: %v", filepath.Base(src), err))
					failed++
					continue
				}
				if dst != src {
					os.Remove(src)
				}
				if result.Warning != "" {
					output.PrintWarning(result.Warning)
				}
				output.PrintSuccess(fmt.Sprintf("Converted %s via %s", filepath.Base(result.OutputPath), result.Backend))
				converted++
			}
			output.PrintInfo(fmt.Sprintf("Converted %d of %d videos", converted, len(files)))
			if failed > 0 {
				os.Exit(1)
			}
		},
	}
}

func collectNonPortableVideos(ctx context.Context, dir string, checker *validate.Checker) ([]string, error) {
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
		if !validate.IsVideoExt(p) {
			return nil
		}
		codec, err := checker.Codec(ctx, p)
		if err == nil && codec == "h264" {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
