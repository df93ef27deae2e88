// Package cmd implements the CLI commands for matchbox.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/observability"
	"github.com/ftcvideo/matchbox/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// defaultConfigFile is written by /api/save-config and read on startup.
const defaultConfigFile = "matchbox_config.json"

var rootCmd = &cobra.Command{
	Use:     "matchbox",
	Short:   "Event-day automation for FIRST robotics video production",
	Version: version.Short(),
	Long: `matchbox watches a scoring system's event stream, keeps a broadcast
switcher on the active field's scene, and cuts a clip of every match from
the switcher's recording. Clips are published over a local web server and,
optionally, through a reverse tunnel to a public relay.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./matchbox_config.json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().Bool("cli", false, "force plain console logging")
}

// initConfig loads defaults, the config file, and MATCHBOX_ env vars.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("json")
		viper.SetConfigName(strings.TrimSuffix(defaultConfigFile, ".json"))
	}

	viper.SetEnvPrefix("MATCHBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// mustBindPFlag binds a flag to a viper key, panicking on programmer error.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

// configFilePath is where SaveConfig persists.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return defaultConfigFile
}

// initLogging builds the default logger. CLI flags win over env and config;
// --cli forces the text format regardless.
func initLogging() error {
	level := viper.GetString("log_level")
	format := viper.GetString("log_format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	if cli, _ := rootCmd.PersistentFlags().GetBool("cli"); cli {
		format = "text"
	}
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "text"
	}

	logger := observability.NewLoggerWithWriter(observability.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
