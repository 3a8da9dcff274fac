package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tkivela/collabsync-go/cmd/cleanup"
	"github.com/tkivela/collabsync-go/cmd/jobs"
	"github.com/tkivela/collabsync-go/cmd/migrate"
	"github.com/tkivela/collabsync-go/cmd/pause"
	"github.com/tkivela/collabsync-go/cmd/stale"
	"github.com/tkivela/collabsync-go/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "collabsync",
		Short: "CollabSync CLI",
		Long:  `Migrate and deduplicate record collections between collaboration-platform instances.`,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(
		migrate.Command(settings),
		cleanup.Command(settings),
		jobs.Command(settings),
		pause.Command(settings),
		stale.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return settings.Validate()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.JobStore.Root, "jobs-dir", viper.GetString("jobstore.root"), "Directory holding job documents")
	rootCmd.PersistentFlags().StringVar(&settings.Platform.BaseURL, "base-url", viper.GetString("platform.baseurl"), "Platform API base URL")
	rootCmd.PersistentFlags().StringVar(&settings.Platform.Token, "token", viper.GetString("platform.token"), "Platform API token")
	rootCmd.PersistentFlags().BoolVar(&settings.Telemetry.Enabled, "metrics", viper.GetBool("telemetry.enabled"), "Expose Prometheus metrics while a job runs")
	rootCmd.PersistentFlags().StringVar(&settings.Telemetry.Listen, "metrics-listen", viper.GetString("telemetry.listen"), "Metrics endpoint listen address")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
