// Package cmd provides the command-line interface for courseman with
// configuration management supporting multiple configuration sources.
//
// Configuration System:
//
//	The CLI supports flexible configuration with clear precedence:
//	1. Command-line flags (--config, --port, etc.) - highest priority
//	2. COURSEMAN_CONFIG_FILE environment variable - custom config file path
//	3. Individual environment variables (COURSEMAN_SERVER_PORT, etc.)
//	4. Configuration files (.courseman.yml) - lowest priority
//
// Environment Variables:
//
//	COURSEMAN_CONFIG_FILE: Path to custom configuration file
//	COURSEMAN_SERVER_PORT: Override server port
//	COURSEMAN_PATHS_PUBLISH_DIR: Override the publish root
//	And so on following the COURSEMAN_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "courseman",
	Short: "Course material build and publishing service",
	Long: `Courseman builds, validates and publishes git-backed course material
repositories, and configures external grading services with the result.

A course moves through three roots: the build directory where its git
repository is synced and built, the store directory holding the last
validated snapshot, and the publish directory served to learners.

Quick Start:
  courseman serve                 Start the API server and build workers
  courseman courses add <key>     Register a course
  courseman build <key>           Build and store a course now
  courseman publish <key>         Promote the stored snapshot live`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .courseman.yml, can also use COURSEMAN_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig initializes the configuration system.
//
// Configuration Loading Priority (highest to lowest):
//  1. --config flag: Explicitly specified config file path
//  2. COURSEMAN_CONFIG_FILE environment variable: Custom config file path
//  3. Default: .courseman.yml in current directory
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("COURSEMAN_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".courseman")
	}

	// COURSEMAN_SERVER_PORT, COURSEMAN_PATHS_BUILD_DIR, ...
	viper.SetEnvPrefix("COURSEMAN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and env vars apply.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
