package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/DeskLoop/internal/shell"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show where the video would be anchored",
	Long: `Inspect the running desktop shell and report how DeskLoop would place
its surface: directly under the background host, under the shell root
below the icon view, or degraded at the bottom of the stack.`,
	Example: `  deskloop probe`,
	RunE:    runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	defer conn.Close()

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	intro := shell.NewIntrospector(shell.NewX11Tree(conn, root), shell.Options{
		IconViewClasses: configMgr.Get().Shell.IconViewClasses,
	})

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(intro.Probe())
}
