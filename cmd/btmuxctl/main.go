package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/btmux/internal/config"
)

var (
	profilePath string
	network     string
	address     string
	adminAddr   string
	adminToken  string
)

var rootCmd = &cobra.Command{
	Use:           "btmuxctl",
	Short:         "Client and admin tool for btmuxd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// resolveProfile loads the --config profile, if any, then applies flag
// overrides.
func resolveProfile(cmd *cobra.Command) (config.CtlConfig, error) {
	cfg := config.DefaultCtlConfig()
	if profilePath != "" {
		loaded, err := config.LoadCtlConfig(profilePath)
		if err != nil {
			return config.CtlConfig{}, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("network") {
		cfg.Network = network
	}
	if flags.Changed("address") {
		cfg.Address = address
	}
	if flags.Changed("admin") {
		cfg.AdminAddr = adminAddr
	}
	if flags.Changed("token") {
		cfg.AdminToken = adminToken
	}
	if err := config.ValidateCtlConfig(cfg); err != nil {
		return config.CtlConfig{}, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profilePath, "config", "", "btmuxctl TOML profile")
	rootCmd.PersistentFlags().StringVar(&network, "network", "unix", "daemon socket network (unix or tcp)")
	rootCmd.PersistentFlags().StringVar(&address, "address", "/tmp/btmux.sock", "daemon socket address")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "127.0.0.1:7080", "daemon admin HTTP address")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin API bearer token")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "btmuxctl: %v\n", err)
		os.Exit(1)
	}
}
