package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/CamStreamer/internal/config"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "camstreamer",
		Short: "CamStreamer - V4L2 capture fan-out to encoder, display and preview",
		Long: `CamStreamer captures frames from a V4L2 camera and hands every frame to a
set of independent output services.

Outputs:
  • H.264/H.265 encoder (GStreamer)
  • KMS display through DRM dumb buffers
  • Raw frame sink
  • Browser MJPEG preview with on-screen stats
  • X11 preview window
  • REST and WebSocket status API`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/camstreamer/config.yaml)")
	rootCmd.PersistentFlags().String("device", "", "capture device (default /dev/video0)")
	rootCmd.PersistentFlags().Int("width", 0, "capture width")
	rootCmd.PersistentFlags().Int("height", 0, "capture height")
	rootCmd.PersistentFlags().String("format", "", "capture pixel format (nv12, nv21, yuyv, mjpeg, rgb24, xrgb8888)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("capture.device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("capture.width", rootCmd.PersistentFlags().Lookup("width"))
	viper.BindPFlag("capture.height", rootCmd.PersistentFlags().Lookup("height"))
	viper.BindPFlag("capture.format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("camstreamer")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
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

// loadConfig opens the config manager and applies flag and environment
// overrides in memory. Overrides are never written back to the file.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	err = configMgr.Override(func(c *config.Config) {
		if v := viper.GetString("capture.device"); v != "" {
			c.Capture.Device = v
		}
		if v := viper.GetInt("capture.width"); v > 0 {
			c.Capture.Width = v
		}
		if v := viper.GetInt("capture.height"); v > 0 {
			c.Capture.Height = v
		}
		if v := viper.GetString("capture.format"); v != "" {
			c.Capture.Format = strings.ToUpper(v)
		}
		if v := viper.GetInt("server_port"); v > 0 {
			c.ServerPort = v
		}
		if v := viper.GetString("log_level"); v != "" {
			c.LogLevel = strings.ToLower(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return configMgr, nil
}

// initLogging configures the global logger from cfg.
func initLogging(cfg config.Config) {
	pretty := cfg.LogFormat == "pretty" || (cfg.LogFormat == "auto" && logger.IsTerminal())
	logger.Init(cfg.LogLevel, pretty)
}
