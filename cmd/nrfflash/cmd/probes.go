package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe/cmsisdap"
)

var probesCmd = &cobra.Command{
	Use:     "probes",
	Aliases: []string{"list"},
	Short:   "List attached debug probes",
	Long: `List the serial numbers of the debug probes the selected backend can see.
With --backend cmsisdap the USB description of each probe is shown as well.

Examples:
  nrfflash probes
  nrfflash --backend cmsisdap probes`,
	Args: cobra.NoArgs,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()

	if conf.Backend == string(probe.KindCMSISDAP) {
		devs, err := cmsisdap.Discover(ctx)
		if err != nil {
			return fmt.Errorf("discover probes: %w", err)
		}
		if len(devs) == 0 {
			fmt.Println("No probes found.")
			return nil
		}
		fmt.Println("Detected CMSIS-DAP probes:")
		for _, d := range devs {
			fmt.Printf("  - %s (VID:PID %04X:%04X)\n", d.Label(), d.VendorID, d.ProductID)
		}
		return nil
	}

	p, err := newProbe(nil)
	if err != nil {
		return err
	}
	ids, err := p.ListProbes(ctx)
	if err != nil {
		return fmt.Errorf("list probes: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No probes found.")
		return nil
	}
	fmt.Printf("Detected probes (%s):\n", conf.Backend)
	for i, id := range ids {
		fmt.Printf("  %d. %s\n", i+1, id)
	}
	return nil
}
