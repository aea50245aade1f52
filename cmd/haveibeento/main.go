package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/config"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/migration"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "haveibeento",
		Short:        "Track the countries you have visited",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newListCommand(), newToggleCommand(), newSyncCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Record store base URL")
	cmd.PersistentFlags().Int("api-timeout-seconds", defaults.GetInt("api.timeout_seconds"), "Record store request timeout in seconds")
	cmd.PersistentFlags().String("local-medium", defaults.GetString("local.medium"), "Local medium (sqlite, redis, memory)")
	cmd.PersistentFlags().String("local-path", defaults.GetString("local.path"), "SQLite file backing the local medium")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL backing the local medium")
	cmd.PersistentFlags().String("session-token", "", "Session token; when set the account store is used")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.timeout_seconds", "api-timeout-seconds")
	bindFlag(cmd, "local.medium", "local-medium")
	bindFlag(cmd, "local.path", "local-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "session.token", "session-token")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the visited country codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openTracker(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			set, err := rt.store.CurrentVisitedSet(cmd.Context())
			if err != nil {
				return err
			}
			for _, code := range set.Codes() {
				fmt.Fprintln(cmd.OutOrStdout(), code)
			}
			return nil
		},
	}
}

func newToggleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle CODE NAME",
		Short: "Mark a country as visited, or remove it when already visited",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := countries.NewCountryCode(args[0])
			if err != nil {
				return err
			}
			name, err := countries.NewCountryName(strings.Join(args[1:], " "))
			if err != nil {
				return err
			}

			rt, err := openTracker(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.selection.Load(cmd.Context()); err != nil {
				return err
			}
			_, err = rt.selection.Activate(cmd.Context(), code, name)
			return err
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload countries stored on this device to the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openTracker(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.signal.Current().Authenticated {
				return errors.New("sync requires --session-token")
			}
			// Signing in already ran the migration.
			state := rt.coordinator.State()
			if state == migration.StateIdle {
				state = rt.coordinator.Trigger(cmd.Context())
			}
			if state == migration.StateFailed {
				return rt.coordinator.LastError()
			}
			if _, err := rt.store.Refresh(cmd.Context()); err != nil {
				return err
			}
			if rt.coordinator.LastSynced() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to sync")
			}
			return nil
		},
	}
}
