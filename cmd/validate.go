package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/routed/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("configuration OK: %d interface(s), %d route(s)\n",
			len(cfg.Interfaces), len(cfg.Routes))
		return nil
	},
}
