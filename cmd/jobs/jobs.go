// Package jobs implements job inspection subcommands.
package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tkivela/collabsync-go/internal/app"
	"github.com/tkivela/collabsync-go/internal/conf"
)

// Command creates the jobs command group for listing, inspecting and
// deleting job documents.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect job documents",
	}
	cmd.AddCommand(listCommand(settings), showCommand(settings), deleteCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Store.List()
			if err != nil {
				return err
			}
			sort.Slice(jobs, func(i, j int) bool {
				return jobs[i].StartedAt.After(jobs[j].StartedAt)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tHEALTH\tSTARTED\tPROGRESS")
			for _, job := range jobs {
				health, err := a.Monitor.GetHealth(job.ID)
				if err != nil {
					health = "?"
				}
				progress := "-"
				if job.Progress != nil {
					progress = fmt.Sprintf("%d/%d (%.1f%%)",
						job.Progress.Processed, job.Progress.Total, job.Progress.Percent)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, job.JobType, job.Status, health,
					job.StartedAt.Format("2006-01-02 15:04:05"), progress)
			}
			return w.Flush()
		},
	}
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show [job-id]",
		Short: "Print one job document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			job, found, err := a.Store.Get(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("job %s not found", args[0])
			}
			data, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func deleteCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [job-id]",
		Short: "Delete one job document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted job %s\n", args[0])
			return nil
		},
	}
}
