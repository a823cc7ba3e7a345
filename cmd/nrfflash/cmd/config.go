package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/config"
)

var forceWrite bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration to a TOML file",
	Long: `Write the configuration currently in effect (defaults, environment and
flags) to a TOML file, ./` + config.FileName + ` unless a path is given.

Examples:
  nrfflash config init
  nrfflash --backend cmsisdap config init --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		switch {
		case len(args) == 1:
			path = args[0]
		case cfgFile != "":
			path = cfgFile
		}
		if err := config.Write(conf, path, forceWrite); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(os.Stdout).Encode(conf)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&forceWrite, "force", false, "overwrite an existing file")
}
