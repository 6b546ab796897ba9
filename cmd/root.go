// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "routed",
	Short: "routed - Software IPv4 router",
	Long: `routed is a software IPv4 router. It forwards datagrams between its
configured interfaces using a static routing table, answers pings addressed
to it, resolves next hops over ARP, and reports undeliverable traffic with
ICMP (time exceeded, destination unreachable).

Forwarding is driven by a longest-prefix-match lookup over the configured
static routes; datagrams whose next hop is still resolving are queued and
replayed when the ARP reply arrives.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/routed/config.yml",
		"config file path")

	// Add subcommands
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
}
