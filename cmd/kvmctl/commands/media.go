// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	kvm "github.com/tenthirtyam/go-kvm"
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "List removable drives usable as virtual media",
	RunE: func(cmd *cobra.Command, args []string) error {
		media, err := kvm.DiscoverMedia()
		if err != nil {
			return err
		}
		if len(media) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No removable media found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tKIND")
		for _, m := range media {
			fmt.Fprintf(w, "%s\t%s\n", m.Path, m.Kind)
		}
		return w.Flush()
	},
}
