// Package cli implements the zpay command line
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	Verbose    bool
}

// NewRootCommand creates the zpay root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "zpay",
		Short: "zpay - Zcash deposits settled on Solana",
		Long: "zpay opens payment sessions with shielded Zcash deposit addresses, watches for " +
			"confirmed deposits and settles each one on Solana through a swap provider.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}
