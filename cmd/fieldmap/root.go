package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/terrascout/fieldmap/internal/config"
)

const envPrefix = "FIELDMAP"

// set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:          "fieldmap",
	Short:        "Offline field maps with PMTiles overlays and cloud sync",
	Version:      fmt.Sprintf("%s (%s)", Version, BuildDate),
	SilenceUsage: true,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".",
		"directory containing "+config.FileName)
	rootCmd.PersistentFlags().String("log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("storage-type", "",
		"overlay store backend (sqlite, postgres, memory)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newViewCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newOverlaysCmd())
	rootCmd.AddCommand(newGroupsCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newBackupCmd())
}

// initConfig loads .env, the config file and FIELDMAP_* variables, then
// maps flags that were set onto their config keys.
func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Could not read .env:", err)
	}

	if err := config.Load(configDir); err != nil {
		// defaults and environment still apply
		fmt.Fprintln(os.Stderr, "Using defaults:", err)
	}

	bindFlags(rootCmd, viper.GetViper())
	for _, cmd := range rootCmd.Commands() {
		bindFlags(cmd, viper.GetViper())
	}
}

// flagKeys maps flag names onto nested config keys.
var flagKeys = map[string]string{
	"log-level":    "logLevel",
	"storage-type": "storage.type",
	"renderer":     "bridge.renderer",
	"address":      "server.address",
	"import-dir":   "server.importDir",
	"location":     "location.source",
	"remote":       "sync.remote",
}

// bindFlags binds each cobra flag to its config key so a flag given on the
// command line wins over file and environment. Unset flags take the config
// value.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		envVar := envPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
		if err := v.BindEnv(key, envVar); err != nil {
			fmt.Fprintf(os.Stderr, "Could not bind env var %s: %v\n", envVar, err)
		}
		if f.Changed {
			v.Set(key, f.Value.String())
			return
		}
		if v.IsSet(key) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(key))); err != nil {
				fmt.Fprintf(os.Stderr, "Could not set flag value for %s: %v\n", f.Name, err)
			}
		}
	})
}
