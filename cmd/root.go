// Package cmd implements the pqchat command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDataDir  = "data-dir"
	flagLogLevel = "log-level"
)

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree with its own viper instance.
// Flags may also be given as PQCHAT_* environment variables.
// Persistent flags are bound under their bare name.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("pqchat")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "pqchat",
		Short:         "Offline-first post-quantum encrypted messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(flagDataDir, "", "data directory (default: per-user config dir)")
	root.PersistentFlags().String(flagLogLevel, "", "log level: debug, info, warn, error")
	bindPersistentFlag(v, root, flagDataDir)
	bindPersistentFlag(v, root, flagLogLevel)

	root.AddCommand(
		newKeygenCommand(v),
		newRunCommand(v),
		newSendCommand(v),
		newExportCommand(v),
		newImportCommand(v),
		newSearchCommand(v),
		newCleanupCommand(v),
		newStatsCommand(v),
		newConflictsCommand(v),
	)
	return root
}

// flagKey scopes a local flag under its command so that two commands may
// share a flag name. PQCHAT_SEARCH_LIMIT sets search's --limit.
func flagKey(cmd *cobra.Command, name string) string {
	return cmd.Name() + "." + name
}

// bindFlag binds a command flag to v and logs a binding failure.
func bindFlag(v *viper.Viper, cmd *cobra.Command, name string) {
	key := flagKey(cmd, name)
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		logrus.WithError(err).Errorf("viper.BindPFlag failed for %q", key)
	}
}

func bindPersistentFlag(v *viper.Viper, cmd *cobra.Command, key string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(key)); err != nil {
		logrus.WithError(err).Errorf("viper.BindPFlag failed for %q", key)
	}
}
