package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
)

var createDirs bool

var filesCmd = &cobra.Command{
	Use:   "files [kind]",
	Short: "List firmware images in the hex directory",
	Long: `List the HEX images found under the hex directory, grouped by kind
(merged, sd, app).

Examples:
  nrfflash files
  nrfflash files sd
  nrfflash files --create          # Create hex/merge, hex/softdevice and hex/app`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().BoolVar(&createDirs, "create", false, "create missing image directories")
}

func runFiles(cmd *cobra.Command, args []string) error {
	ws := hexWorkspace()
	if createDirs {
		if err := ws.Ensure(); err != nil {
			return err
		}
		fmt.Printf("Image directories ready under %s\n", ws.Root())
	}

	kinds := workspace.Kinds
	if len(args) == 1 {
		k, err := workspace.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []workspace.Kind{k}
	}

	for _, k := range kinds {
		entries, err := ws.List(k)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s): %d file(s)\n", k.Title(), ws.Path(k), len(entries))
		if len(entries) == 0 {
			continue
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", e.Name, units.HumanSize(float64(e.Size)), e.ModTime.Format("2006-01-02 15:04"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
