// Package migrate implements the item migration subcommand.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkivela/collabsync-go/internal/app"
	"github.com/tkivela/collabsync-go/internal/conf"
	"github.com/tkivela/collabsync-go/internal/jobstore"
)

type flags struct {
	mapping     map[string]string
	mode        string
	matchSource string
	matchTarget string
	matchType   string
	conflict    string
	batchSize   int
	concurrency int
	stopOnError bool
	resume      string
}

// Command creates the migrate command for running an item migration between
// two collections.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "migrate [source-collection] [target-collection]",
		Short: "Migrate items between two collections",
		Long: `Migrate items from a source collection to a target collection in
fixed-size checkpointed batches. An interrupted run can be resumed with
--resume; nothing already checkpointed is replayed.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), settings, &f, args)
		},
	}

	setupFlags(cmd, &f)
	return cmd
}

func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringToStringVarP(&f.mapping, "mapping", "m", nil, "Source-to-target field id mapping (src=dst,...)")
	cmd.Flags().StringVar(&f.mode, "mode", "create", "Write mode: create, update or upsert")
	cmd.Flags().StringVar(&f.matchSource, "match-source", "", "Source field id used for duplicate matching")
	cmd.Flags().StringVar(&f.matchTarget, "match-target", "", "Target field id used for duplicate matching")
	cmd.Flags().StringVar(&f.matchType, "match-type", "text", "Match field type: text, number, category, contact, date, money")
	cmd.Flags().StringVar(&f.conflict, "conflict", "skip", "Duplicate conflict policy for create mode: skip, error or update")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Items per batch (0 uses the configured default)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Parallel item writes per batch (0 uses the configured default)")
	cmd.Flags().BoolVar(&f.stopOnError, "stop-on-error", false, "Abort the run on the first item failure")
	cmd.Flags().StringVar(&f.resume, "resume", "", "Resume a paused job by id instead of creating a new one")
}

func runMigration(ctx context.Context, settings *conf.Settings, f *flags, args []string) error {
	a, err := app.New(settings)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.RequireEngines(); err != nil {
		return err
	}

	stopTelemetry := a.StartTelemetry()
	defer stopTelemetry()

	jobID := f.resume
	if jobID == "" {
		if len(args) != 2 {
			return fmt.Errorf("source and target collections are required unless --resume is given")
		}
		metadata := map[string]any{
			"fieldMapping":     toAnyMap(f.mapping),
			"mode":             f.mode,
			"matchFieldSource": f.matchSource,
			"matchFieldTarget": f.matchTarget,
			"matchFieldType":   f.matchType,
			"conflictPolicy":   f.conflict,
			"batchSize":        f.batchSize,
			"concurrency":      f.concurrency,
			"stopOnError":      f.stopOnError,
		}
		job, err := a.Store.Create(jobstore.JobTypeItemMigration, args[0], args[1], metadata)
		if err != nil {
			return err
		}
		jobID = job.ID
		fmt.Printf("created migration job %s\n", jobID)
	}

	// Termination signals pause the job at the next batch boundary.
	go a.Coordinator.ListenForSignals(ctx, nil)

	result, err := a.Runner.Run(ctx, jobID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
