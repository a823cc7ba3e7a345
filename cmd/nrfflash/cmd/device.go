package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the whole chip",
	Long: `Erase all code flash and UICR on the target.

Examples:
  nrfflash erase --yes
  nrfflash --serial 682000001 erase`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := confirm("Erase all flash and UICR on the target?"); err != nil {
			return err
		}
		_, err := runOperation(cmd, sequencer.Request{Mode: sequencer.ModeErase}, os.Stdout)
		return err
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Remove read-back protection (erases the chip)",
	Long: `Recover a target with access port protection enabled. The chip is
erased in the process.

Examples:
  nrfflash recover --yes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := confirm("Recover the target? This erases the chip."); err != nil {
			return err
		}
		_, err := runOperation(cmd, sequencer.Request{Mode: sequencer.ModeRecover}, os.Stdout)
		return err
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runOperation(cmd, sequencer.Request{Mode: sequencer.ModeReset}, os.Stdout)
		return err
	},
}

func init() {
	rootCmd.AddCommand(eraseCmd, recoverCmd, resetCmd)
	addYesFlag(eraseCmd)
	addYesFlag(recoverCmd)
}
