package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/screencopy/internal/config"
	"github.com/bryanchriswhite/screencopy/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	prettyLog bool
	rootCmd   = &cobra.Command{
		Use:   "screencopy",
		Short: "screencopy - Wayland output capture over the ext capture protocols",
		Long: `screencopy negotiates output captures with a Wayland compositor using
whichever capture dialect it advertises, and streams the frames.

Features:
  • Prefers ext-image-copy-capture, falls back to ext-screencopy
  • Shared-memory or dmabuf buffers with damage tracking
  • Renegotiates buffers when the compositor invalidates them
  • Optional cursor capture with hotspot tracking
  • MJPEG stream, PNG snapshots and a REST/WebSocket API`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screencopy/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty", true, "human-readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	logger.Init(viper.GetString("log_level"), prettyLog)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the configuration and applies flag overrides on top of
// it without persisting them.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.ApplyOverrides(viper.GetViper()); err != nil {
		return nil, fmt.Errorf("invalid flag override: %w", err)
	}
	return configMgr, nil
}
