package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kyotosystems/quell/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err == nil && !initForce {
		return fmt.Errorf("%s already exists, pass --force to overwrite", cfgFile)
	}

	cfg := config.Default()
	if err := cfg.Save(cfgFile); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", cfgFile)
	return nil
}
