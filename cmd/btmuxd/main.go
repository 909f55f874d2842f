package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/btmux/internal/config"
	"github.com/danmuck/btmux/internal/daemon"
	"github.com/danmuck/btmux/internal/logging"
)

var (
	configFile string
	outputFile string
	force      bool
)

var rootCmd = &cobra.Command{
	Use:           "btmuxd",
	Short:         "Local multiplexing daemon for a single controller",
	Long:          "btmuxd accepts framed client connections on a unix or TCP socket, forwards their frames to one upstream controller and broadcasts controller events back to every client.",
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until SIGINT or SIGTERM",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or check btmuxd configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented config template",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(outputFile, config.KindDaemon, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote btmuxd config template to %s\n", outputFile)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return fmt.Errorf("--config is required")
		}
		cfg, err := loadServiceConfig(configFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "validated %s: %s %s, driver %s\n",
			configFile, cfg.ListenNetwork, cfg.ListenAddr, cfg.Driver)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.ConfigureRuntime()

	cfg := daemon.DefaultServiceConfig()
	if configFile != "" {
		loaded, err := loadServiceConfig(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	svc, err := daemon.NewService(cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "btmuxd TOML config file")
	configInitCmd.Flags().StringVar(&outputFile, "output", "btmuxd.toml", "output path for the template")
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("btmuxd failed")
		fmt.Fprintf(os.Stderr, "btmuxd: %v\n", err)
		os.Exit(1)
	}
}
