package commands

import (
	"context"
	"fmt"

	"thali/config"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "thalid",
	Short: "Thali local peer discovery node",
	Long: `thalid advertises this device over SSDP, discovers peers on the local network
and retrieves their notification beacons.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(logLevel)
	},
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "thali.json", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peersCmd)
}

func setLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(l)
	return nil
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("config file not specified")
	}
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
