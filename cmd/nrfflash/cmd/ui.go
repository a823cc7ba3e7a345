package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/ui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the flasher window",
	Long: `Launch the desktop flasher with per-directory image pickers, one button
per operation, a progress bar and a live log.

Destructive operations (auto, erase, recover, separate flash) ask for
confirmation in the window before they start.

Examples:
  # Launch the UI with the nrfjprog backend
  nrfflash ui

  # Use a CMSIS-DAP probe and a different firmware tree
  nrfflash ui --backend cmsisdap --hex-dir ~/firmware`,
	Args: cobra.NoArgs,
	RunE: runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	if verbose {
		fmt.Println("Launching flasher UI...")
	}

	runner, err := newRunner()
	if err != nil {
		return err
	}
	ws := hexWorkspace()
	if err := ws.Ensure(); err != nil {
		return err
	}

	state := ui.NewState(ws, runner)
	state.SetAppVersion(rootCmd.Version)
	state.SetBackend(conf.Backend, conf.Serial)
	state.SetTimeout(conf.Timeout())
	state.SetCancelWait(cancelWait)
	state.AppendLog("info", fmt.Sprintf("UI starting with %s backend", conf.Backend))

	return ui.Run(commandContext(cmd), state)
}
