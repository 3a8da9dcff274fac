package jobstore

import "time"

// MergeProgress merges an update into the current progress and returns the
// result. The rules are explicit per field to avoid accidental data loss
// when a caller updates only a subset:
//
//   - Total, Processed, Successful, Failed, Percent: taken from the update
//     only when the update's value is non-zero; zero means "not provided".
//   - LastUpdate: always stamped with the current time.
//   - Throughput, PreRetrySnapshot: replaced when present in the update,
//     preserved otherwise.
//   - BatchCheckpoints: preserved unless the update carries its own list
//     (checkpoints normally flow through SaveCheckpoint).
//   - FailedItemsByCategory: per-key addition; existing keys absent from
//     the update keep their counts.
//   - RateLimitPauses, RateLimitDelayMS: additive deltas.
//   - Cleanup counters (TotalGroups, ProcessedGroups, TotalItemsToDelete,
//     DeletedItems, FailedDeletions): taken from the update when non-zero.
func MergeProgress(current, update *Progress) *Progress {
	if current == nil {
		current = &Progress{}
	}
	merged := current.clone()
	merged.LastUpdate = time.Now()
	if update == nil {
		return merged
	}

	if update.Total != 0 {
		merged.Total = update.Total
	}
	if update.Processed != 0 {
		merged.Processed = update.Processed
	}
	if update.Successful != 0 {
		merged.Successful = update.Successful
	}
	if update.Failed != 0 {
		merged.Failed = update.Failed
	}
	if update.Percent != 0 {
		merged.Percent = update.Percent
	}

	if update.Throughput != nil {
		tp := *update.Throughput
		merged.Throughput = &tp
	}
	if update.BatchCheckpoints != nil {
		merged.BatchCheckpoints = make([]BatchCheckpoint, len(update.BatchCheckpoints))
		copy(merged.BatchCheckpoints, update.BatchCheckpoints)
	}
	if update.PreRetrySnapshot != nil {
		merged.PreRetrySnapshot = update.PreRetrySnapshot.clone()
	}

	if len(update.FailedItemsByCategory) > 0 {
		if merged.FailedItemsByCategory == nil {
			merged.FailedItemsByCategory = make(map[string]int, len(update.FailedItemsByCategory))
		}
		for category, delta := range update.FailedItemsByCategory {
			merged.FailedItemsByCategory[category] += delta
		}
	}

	merged.RateLimitPauses += update.RateLimitPauses
	merged.RateLimitDelayMS += update.RateLimitDelayMS

	if update.TotalGroups != 0 {
		merged.TotalGroups = update.TotalGroups
	}
	if update.ProcessedGroups != 0 {
		merged.ProcessedGroups = update.ProcessedGroups
	}
	if update.TotalItemsToDelete != 0 {
		merged.TotalItemsToDelete = update.TotalItemsToDelete
	}
	if update.DeletedItems != 0 {
		merged.DeletedItems = update.DeletedItems
	}
	if update.FailedDeletions != 0 {
		merged.FailedDeletions = update.FailedDeletions
	}

	return merged
}
