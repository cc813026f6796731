// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package commands implements the kvmctl command tree.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	kvm "github.com/tenthirtyam/go-kvm"
	"github.com/tenthirtyam/go-kvm/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kvmctl",
	Short: "kvmctl - KVM-over-IP client",
	Long: `kvmctl connects to KVM-over-IP appliances. It can watch a channel,
relay or record its video, and expose a local image or drive to the
appliance as virtual media.

Settings are read from $XDG_CONFIG_HOME/kvmctl/config.yaml and can be
overridden with KVM_<SECTION>_<KEY> environment variables, for example
KVM_APPLIANCE_PASSWORD.

Use "kvmctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/kvmctl/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the configuration and applies flag overrides from cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Appliance.Address, _ = flags.GetString("address")
	}
	if flags.Changed("channel") {
		cfg.Appliance.Channel, _ = flags.GetInt("channel")
	}
	if flags.Changed("account") {
		cfg.Appliance.Account, _ = flags.GetString("account")
	}
	if flags.Changed("password") {
		cfg.Appliance.Password, _ = flags.GetString("password")
	}

	if cfg.Appliance.Address == "" {
		return nil, fmt.Errorf("no appliance address: pass --address or set appliance.address")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// addApplianceFlags registers the flags shared by connect and mount.
func addApplianceFlags(cmd *cobra.Command) {
	cmd.Flags().String("address", "", "appliance host or host:port")
	cmd.Flags().Int("channel", 0, "appliance channel number")
	cmd.Flags().String("account", "", "account name")
	cmd.Flags().String("password", "", "password (prefer KVM_APPLIANCE_PASSWORD)")
}

// newLogger builds the session logger described by cfg.
func newLogger(cfg config.LoggingConfig) (kvm.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 - path is operator supplied
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	}
	return kvm.NewSlogLogger(w, cfg.Level, cfg.Format), closer, nil
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
