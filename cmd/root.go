package cmd

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/ravel/internal/config"
	"github.com/zjrosen/ravel/internal/log"
)

var (
	version    = "dev"
	cfgFile    string
	cfg        config.Config
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "ravel",
	Short: "Recursive task decomposition and solving",
	Long: `ravel decomposes a high-level task into a graph of subtasks, executes
the leaves through a pluggable agent capability, aggregates results
bottom-up, verifies them, and replans on failure. Every run is recorded
in a durable execution log and can be resumed after a crash.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/ravel/config.yaml)")
	rootCmd.PersistentFlags().String("db", "",
		"execution log database path")
	rootCmd.PersistentFlags().String("capability", "",
		"registered agent capability to drive")

	// Bind flags to viper
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("capability", rootCmd.PersistentFlags().Lookup("capability"))
}

func initConfig() {
	// Load .env before any provider environment is read
	_ = godotenv.Load()

	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("profile", defaults.Profile)
	viper.SetDefault("capability", defaults.Capability)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .ravel/config.yaml (current directory)
		// 2. ~/.config/ravel/config.yaml (user config)
		if _, err := os.Stat(".ravel/config.yaml"); err == nil {
			viper.SetConfigFile(".ravel/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "ravel"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .ravel/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".ravel/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)

	if cfg.LogPath != "" {
		if cleanup, err := log.Init(cfg.LogPath); err == nil {
			logCleanup = cleanup
		}
	}
}

// SetVersion sets the version string displayed by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	defer func() {
		if logCleanup != nil {
			logCleanup()
		}
	}()
	return rootCmd.Execute()
}
