// Package cmd implements the CLI commands for avsplice.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/avswitch/splicer/internal/config"
	"github.com/avswitch/splicer/internal/observability"
	"github.com/avswitch/splicer/internal/version"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "avsplice",
	Short:   "Continuous MPEG-TS stream splicer and failover switcher",
	Version: version.Short(),
	Long: `avsplice stitches one or more MPEG-TS sources into a single
continuous output stream: looping a sequence of files, or arbitrating
between a live primary and fallback source with automatic cutover on
failure or silence.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/avsplice, $HOME/.avsplice)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/avsplice")
		viper.AddConfigPath(home + "/.avsplice")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AVSPLICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog default logger from the bound
// logging.* config keys, following the teacher's viper-then-slog wiring.
func initLogging() error {
	var cfg config.LoggingConfig
	if err := viper.UnmarshalKey("logging", &cfg); err != nil {
		return fmt.Errorf("reading logging config: %w", err)
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	logger := observability.NewLogger(cfg)
	observability.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
