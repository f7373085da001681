package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [dir]",
		Short: "Remove staging leftovers and stray .part files",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := outputDir
			if len(args) > 0 {
				dir = args[0]
			}
			if err := utils.Clean(dir); err != nil {
				output.PrintError(fmt.Sprintf("Cleanup failed: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Temporary files cleaned up in %s", dir))
		},
	}
}
