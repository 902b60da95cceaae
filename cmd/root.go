// Package cmd implements the ares-relay command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/withmartian/ares/ares-relay/internal/config"
)

var (
	version = "dev"
	cfgFile string

	// settings holds defaults plus the config file; env and flags are layered on in loadConfig.
	settings = viper.New()
	// readErr records a config file that exists but could not be read.
	readErr error
)

var rootCmd = &cobra.Command{
	Use:   "ares-relay",
	Short: "Hold OpenAI-compatible chat requests until a human answers them",
	Long: `ares-relay accepts OpenAI-style chat completion requests, holds each one
open, and shows it to an operator on a web page. Whatever the operator types
back is returned to the caller as the model's reply, either as one JSON body
or as a server-sent event stream.

Running ares-relay with no subcommand is the same as "ares-relay serve".`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./ares-relay.yaml or ~/.config/ares-relay/config.yaml)")
	flags.String("addr", "", "address to listen on, e.g. :8080")
	flags.Duration("timeout", 0, "how long a request waits for an operator")
	flags.Duration("keepalive", 0, "interval between keep-alive comments on streams")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("archive", "", "path to the SQLite exchange archive")
}

func initConfig() {
	config.SetDefaults(settings)
	readErr = readConfigFile(settings, cfgFile)
}

// readConfigFile points v at the config file and reads it. A missing default
// file is not an error; a missing explicit --config is.
func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		// Config lookup order:
		// 1. ./ares-relay.yaml
		// 2. ~/.config/ares-relay/config.yaml
		if _, err := os.Stat("ares-relay.yaml"); err == nil {
			v.SetConfigFile("ares-relay.yaml")
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "ares-relay"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// loadConfig returns the effective configuration with command-line flags
// taking precedence over everything else.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if readErr != nil {
		return config.Config{}, readErr
	}
	cfg, err := config.Load(settings)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags into cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	setString := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}

	setString("addr", &cfg.Server.Addr)
	setDuration("timeout", &cfg.Relay.RequestTimeout)
	setDuration("keepalive", &cfg.Relay.KeepAliveInterval)
	setString("log-level", &cfg.Log.Level)
	setString("archive", &cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("reading flags: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(ver string) {
	version = ver
	rootCmd.Version = ver
}
