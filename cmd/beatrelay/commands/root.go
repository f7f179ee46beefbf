// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "beatrelay",
	Short: "Beat, tempo and note relay for networked metronome devices",
	Long: `Beatrelay relays metronome beats, tempo changes and notes
between a score player and devices on the local network.

It serves a WebSocket endpoint for each of the beat, note and bpm channels,
announces them with mDNS, and can itself act as a player or a listening device.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/beatrelay)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetDefault("log.format", "text")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/beatrelay
		cfgDir = path.Join(home, ".config", "beatrelay")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("beatrelay")

	viper.SetEnvPrefix("beatrelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	os.Setenv("CONFDIR", cfgDir)

	// If a config file is found, read it in. Without one, defaults and flags apply.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}

// newLogger creates the logger passed to every component, configured from log.level and log.format.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	if viper.GetString("log.format") == "json" {
		log.Formatter = new(logrus.JSONFormatter)
	} else {
		log.Formatter = new(logrus.TextFormatter)
	}
	applyLogLevel(log)
	return log
}

func applyLogLevel(log *logrus.Logger) {
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		log.WithField("error", err).Warn("Invalid log level; using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

// watchConfig re-applies the log level whenever the config file changes.
func watchConfig(log *logrus.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("Config changed")
		applyLogLevel(log)
	})
	viper.WatchConfig()
}
