// Package stale implements stale-job inspection and reconciliation.
package stale

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkivela/collabsync-go/internal/app"
	"github.com/tkivela/collabsync-go/internal/conf"
)

// Command creates the stale command group. A stale job claims a running
// status but has no live heartbeat, typically after a crash.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Find and reconcile crashed jobs",
	}
	cmd.AddCommand(listCommand(settings), cleanupCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs claiming to run without a live heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Monitor.FindStale()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no stale jobs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tLAST HEARTBEAT")
			for _, job := range jobs {
				heartbeat := "never"
				if job.LastHeartbeat != nil {
					heartbeat = time.Since(*job.LastHeartbeat).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.ID, job.JobType, job.Status, heartbeat)
			}
			return w.Flush()
		},
	}
}

func cleanupCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Mark stale jobs as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.Monitor.CleanupStale()
			if err != nil {
				return err
			}
			fmt.Printf("reconciled %d stale job(s)\n", count)
			return nil
		},
	}
}
