package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DeskLoop/internal/container"
)

var unpackDir string

var unpackCmd = &cobra.Command{
	Use:   "unpack FILE",
	Short: "Extract the video from a wallpaper package",
	Long: `Find the playable video inside FILE and print its path.

Zip based packages are extracted, renamed videos are copied out with the
right extension and videos embedded in other files are cut out at their
container signature. Plain videos are printed unchanged.`,
	Example: `  deskloop unpack forest.mlw --dir ~/Videos`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUnpack,
}

func init() {
	rootCmd.AddCommand(unpackCmd)
	unpackCmd.Flags().StringVar(&unpackDir, "dir", "", "directory to extract into (default is a temporary directory)")
}

func runUnpack(cmd *cobra.Command, args []string) error {
	// Extracted files are kept: the caller asked for them
	path, err := container.NewResolver(unpackDir).Resolve(args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
