// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	kvm "github.com/tenthirtyam/go-kvm"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kvmctl %s (commit: %s, built: %s, protocol: %s)\n",
			Version, Commit, Date, kvm.Version38)
	},
}
