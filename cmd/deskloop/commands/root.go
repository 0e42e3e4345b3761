package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/DeskLoop/internal/config"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "deskloop",
		Short: "DeskLoop - looping video wallpaper for X11 desktops",
		Long: `DeskLoop paints a looping video or animated GIF as the live desktop
background of an X11 session, behind the desktop icons and above the
root wallpaper.

Features:
  • FFmpeg, GStreamer and GIF decoding
  • Anchoring below xfdesktop, nautilus, caja, nemo, pcmanfm or plasmashell
  • Re-anchoring when the desktop shell restarts
  • .mlw live wallpaper package unpacking
  • REST and WebSocket control API
  • MJPEG preview stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log_level"), viper.GetBool("pretty"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/deskloop/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8787)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	viper.SetEnvPrefix("DESKLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
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

// loadConfig opens the config file and applies flag and environment overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if port := viper.GetInt("server_port"); port > 0 {
		if err := configMgr.SetPort(port); err != nil {
			return nil, err
		}
	}

	if level := viper.GetString("log_level"); level != "" {
		if err := configMgr.SetLogLevel(level); err != nil {
			return nil, err
		}
	} else {
		// No override: the config file decides the level
		logger.Init(configMgr.Get().LogLevel, viper.GetBool("pretty"))
	}
	return configMgr, nil
}
