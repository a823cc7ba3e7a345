package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/doctor"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe/nrfjprog"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host is ready to flash",
	Long: `Run the setup checklist: Go runtime, nrfjprog, CMSIS-DAP USB access,
firmware directories, configuration file and probe lock. Checks for the
backend that is not selected are informational.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("nRF52 flasher setup check")
	fmt.Println()

	tool := nrfjprog.New(nrfjprog.Options{Path: conf.Nrfjprog, Family: conf.Family})
	checks := doctor.Default(doctor.Options{
		Config:          conf,
		ConfigPath:      cfgFile,
		NrfjprogVersion: tool.Version,
	})
	report := doctor.Run(commandContext(cmd), checks)
	doctor.Print(os.Stdout, report)
	if !report.OK() {
		return errors.New("setup check failed")
	}
	return nil
}
