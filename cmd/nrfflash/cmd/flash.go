package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
)

var (
	flashKind string
	sdImage   string
	appImage  string
)

var flashCmd = &cobra.Command{
	Use:   "flash [image]",
	Short: "Program one image",
	Long: `Program a single HEX image. Only the flash pages the image covers are
erased. Without an argument the first image of the selected kind in the hex
directory is used; a bare file name is looked up there.

Examples:
  nrfflash flash                          # First image in hex/merge
  nrfflash flash --kind sd s140_nrf52_7.2.0_softdevice.hex
  nrfflash flash --kind app build/zephyr/zephyr.hex`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFlash,
}

var flashSeparateCmd = &cobra.Command{
	Use:   "flash-separate",
	Short: "Erase, then program SoftDevice and application",
	Long: `Erase the chip, program the SoftDevice, program the application and
reset the target.

Examples:
  nrfflash flash-separate --yes                      # First image of each kind
  nrfflash flash-separate --sd s140.hex --app app.hex`,
	Args: cobra.NoArgs,
	RunE: runFlashSeparate,
}

var autoCmd = &cobra.Command{
	Use:   "auto [image]",
	Short: "Recover, erase, program a merged image and reset",
	Long: `Run the full production sequence on a merged image: recover (best
effort), erase, program, reset.

Examples:
  nrfflash auto --yes
  nrfflash auto --yes --log-file logs/run.log fw_merged.hex`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuto,
}

func init() {
	rootCmd.AddCommand(flashCmd, flashSeparateCmd, autoCmd)

	flashCmd.Flags().StringVarP(&flashKind, "kind", "k", "merged", "image kind (merged, sd, app)")
	flashSeparateCmd.Flags().StringVar(&sdImage, "sd", "", "SoftDevice image (default: first in hex/softdevice)")
	flashSeparateCmd.Flags().StringVar(&appImage, "app", "", "application image (default: first in hex/app)")
	addYesFlag(flashSeparateCmd)
	addYesFlag(autoCmd)
}

// resolveImage maps a CLI argument to an image path. An empty workspace
// yields an empty path, which the sequencer rejects before touching the
// probe.
func resolveImage(kind workspace.Kind, name string) (string, error) {
	path, err := hexWorkspace().Resolve(kind, name)
	if errors.Is(err, workspace.ErrNoImages) {
		return "", nil
	}
	return path, err
}

func flashMode(kind workspace.Kind) sequencer.Mode {
	switch kind {
	case workspace.KindSoftDevice:
		return sequencer.ModeFlashSD
	case workspace.KindApp:
		return sequencer.ModeFlashApp
	}
	return sequencer.ModeFlash
}

func argOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runFlash(cmd *cobra.Command, args []string) error {
	kind, err := workspace.ParseKind(flashKind)
	if err != nil {
		return err
	}
	image, err := resolveImage(kind, argOrEmpty(args))
	if err != nil {
		return err
	}
	_, err = runOperation(cmd, sequencer.Request{Mode: flashMode(kind), Image: image}, os.Stdout)
	return err
}

func runFlashSeparate(cmd *cobra.Command, args []string) error {
	sd, err := resolveImage(workspace.KindSoftDevice, sdImage)
	if err != nil {
		return err
	}
	app, err := resolveImage(workspace.KindApp, appImage)
	if err != nil {
		return err
	}
	if err := confirm("Erase the chip and program SoftDevice and application?"); err != nil {
		return err
	}
	_, err = runOperation(cmd, sequencer.Request{Mode: sequencer.ModeFlashSeparate, Image: app, SoftDevice: sd}, os.Stdout)
	return err
}

func runAuto(cmd *cobra.Command, args []string) error {
	image, err := resolveImage(workspace.KindMerged, argOrEmpty(args))
	if err != nil {
		return err
	}
	prompt := "Recover, erase and program the target?"
	if image != "" {
		prompt = fmt.Sprintf("Recover, erase and program %s?", image)
	}
	if err := confirm(prompt); err != nil {
		return err
	}
	_, err = runOperation(cmd, sequencer.Request{Mode: sequencer.ModeAuto, Image: image}, os.Stdout)
	return err
}
