package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/config"
)

const version = "1.0.0"

// NewRootCommand builds the export-puller command tree. Every command
// reads its configuration through v, so flags, EXPORT_PULLER_* variables
// and defaults resolve the same way.
func NewRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "export-puller",
		Short:         "Pull alerts and events from tenant export APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("tenant", "", "Tenant configuration name")
	flags.String("redis-addr", "", "Redis address holding the tenant registry")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "Human-readable console logs")
	bindFlags(v, flags.Lookup, map[string]string{
		config.KeyTenant:    "tenant",
		config.KeyRedisAddr: "redis-addr",
		config.KeyRedisDB:   "redis-db",
		config.KeyLogLevel:  "log-level",
		config.KeyLogPretty: "log-pretty",
	})

	rootCmd.AddCommand(newPullCommand(v), newCursorCommand(v))
	return rootCmd
}

func main() {
	if err := NewRootCommand(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
