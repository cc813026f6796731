// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	kvm "github.com/tenthirtyam/go-kvm"
)

var mountCmd = &cobra.Command{
	Use:   "mount [path]",
	Short: "Expose a local image or drive as virtual media",
	Long: `Open a virtual-media session and link a local ISO image, disk image or
removable drive to the appliance. The media stays attached until
interrupted.

Examples:
  kvmctl mount --address 10.0.0.20 /images/install.iso
  kvmctl mount --address 10.0.0.20 --writable /dev/sdb`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

func init() {
	addApplianceFlags(mountCmd)
	mountCmd.Flags().Bool("writable", false, "allow the appliance to write to the media")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Media.Path = args[0]
	}
	if cmd.Flags().Changed("writable") {
		cfg.Media.Writable, _ = cmd.Flags().GetBool("writable")
	}
	if cfg.Media.Path == "" {
		return fmt.Errorf("no media: pass a path or set media.path")
	}

	out := cmd.OutOrStdout()
	return runSession(cmd, cfg, kvm.RoleVM, func(s *kvm.Session) error {
		if err := s.WriteVMLinkRequest(); err != nil {
			return fmt.Errorf("failed to link %s: %w", cfg.Media.Path, err)
		}
		media := s.Context().Media
		fmt.Fprintf(out, "Linked %s as %s\n", media.Path, media.Kind)
		return nil
	})
}
