//go:build !kernel

package main

import (
	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the machine and print the memory manager state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		m, mgr, err := bootMachine(cfg)
		if err != nil {
			return err
		}
		defer m.Close()

		return printSummary(cmd.OutOrStdout(), m, mgr)
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
}
