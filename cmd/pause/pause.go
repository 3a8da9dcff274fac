// Package pause implements the job pause subcommand.
package pause

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkivela/collabsync-go/internal/app"
	"github.com/tkivela/collabsync-go/internal/conf"
)

// Command creates the pause command for requesting a graceful stop of a
// running job.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "pause [job-id]",
		Short: "Pause a running job at its next batch boundary",
		Long: `Request a pause for a running job. The engine finishes its in-flight
batch, persists a checkpoint and transitions the job to paused. Orphaned
jobs whose owning process died are force-cancelled instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Coordinator.RequestPause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s stopped\n", args[0])
			return nil
		},
	}
}
