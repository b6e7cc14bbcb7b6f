// Command pstack reads and writes a persistent stack from the command line,
// toggles its cloud sync and serves an HTTP cloud backend for other stacks.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pstack",
	Short: "Work with a persistent stack",
	Long: `pstack opens the local store of a persistent stack, optionally synced with
an HTTP cloud backend, and reads or writes objects of its model.

Flags can also be set in a config file (--config) or as PSTACK_* environment
variables, e.g. PSTACK_CLOUD_URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("dir", defaultDir(), "directory holding the store, tokens and settings")
	flags.String("model", "", "model file (yaml)")
	flags.String("author", "pstack", "author stamped on writes")
	flags.String("container", "PersistentStack", "container name")
	flags.String("driver", "sqlite3", "sqlite driver: sqlite3 (cgo) or sqlite (pure Go)")
	flags.String("merge-policy", "property-object-trump", "merge policy: property-object-trump, property-store-trump or overwrite")
	flags.String("cloud-url", "", "base URL of the cloud backend; empty keeps the stack local")
	flags.String("account", "", "cloud account")
	flags.String("log-level", "warn", "log level")

	for _, name := range []string{"dir", "model", "author", "container", "driver", "merge-policy", "cloud-url", "account", "log-level"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(putCmd, getCmd, listCmd, deleteCmd, syncCmd, statusCmd, watchCmd, serveCmd)
}

func defaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".pstack"
	}
	return filepath.Join(base, "pstack")
}

func initConfig() error {
	viper.SetEnvPrefix("PSTACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	config := logging.ConfigFromEnv(logging.Config{
		Level:  viper.GetString("log-level"),
		Format: "text",
	})
	var w io.Writer = os.Stderr
	if config.File != "" {
		w = config.Writer()
	}
	logging.SetDefault(logging.NewLoggerTo(w, config))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
