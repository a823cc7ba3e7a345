package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/config"
)

var (
	// Global flags
	verbose bool
	cfgFile string

	vp   = config.NewViper()
	conf = config.DefaultConfig()
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nrfflash",
		Short: "nRF52 firmware flasher",
		Long: `Flash, erase, recover and reset nRF52 targets through nrfjprog or any
CMSIS-DAP probe.

Firmware images are picked from the hex directory (hex/merge, hex/softdevice,
hex/app) unless a path is given.

Examples:
  nrfflash probes                                   # List attached probes
  nrfflash auto --yes                               # Recover, erase, flash the newest merged image, reset
  nrfflash flash --kind app build/zephyr.hex        # Program one image
  nrfflash flash-separate --sd s140.hex --app app.hex
  nrfflash verify --format json hex/merge/fw.hex    # Report address range and size
  nrfflash --backend cmsisdap erase --yes           # Use a CMSIS-DAP probe instead of nrfjprog`,
		Version:       "0.4.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&cfgFile, "config", "", "config file path (default ./"+config.FileName+")")
	pf.StringP("backend", "b", "", "probe backend (nrfjprog, cmsisdap, sim)")
	pf.StringP("serial", "s", "", "probe serial number (default: first probe found)")
	pf.String("hex-dir", "", "firmware directory root")
	pf.String("nrfjprog", "", "path of the nrfjprog binary")
	pf.Int("timeout", 0, "operation timeout in seconds (0 disables)")
	pf.String("lock-file", "", "cross-process probe lock file")

	_ = vp.BindPFlag("backend", pf.Lookup("backend"))
	_ = vp.BindPFlag("serial", pf.Lookup("serial"))
	_ = vp.BindPFlag("hex_dir", pf.Lookup("hex-dir"))
	_ = vp.BindPFlag("nrfjprog", pf.Lookup("nrfjprog"))
	_ = vp.BindPFlag("timeout_seconds", pf.Lookup("timeout"))
	_ = vp.BindPFlag("lock_file", pf.Lookup("lock-file"))

	registerSimFlags(cmd)
	return cmd
}()

func initConfig(ctx context.Context) error {
	if err := config.LoadEnv("."); err != nil {
		return err
	}
	c, err := config.Load(vp, cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		c.Log.Level = "debug"
	}
	conf = c
	return log.SetupLog(ctx, &conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
