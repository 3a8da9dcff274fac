package platform

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tkivela/collabsync-go/internal/errors"
)

// JSONLFailureLog appends failure records as one JSON object per line to a
// size-rotated file. Full per-item failure detail lives here; the job
// document only carries category counts.
type JSONLFailureLog struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewFailureLog opens (or creates) the failure log at the given path.
func NewFailureLog(filePath string) (*JSONLFailureLog, error) {
	if filePath == "" {
		return nil, errors.Newf("failure log path is required").
			Category(errors.CategoryConfiguration).
			Component("platform").
			Build()
	}
	return &JSONLFailureLog{
		writer: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     90, // days
		},
	}, nil
}

// Append writes one failure record. A zero timestamp is stamped with now.
func (l *JSONLFailureLog) Append(record FailureRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return errors.Newf("failed to encode failure record: %w", err).
			Category(errors.CategoryFileIO).
			Context("job_id", record.JobID).
			Context("item_id", record.ItemID).
			Component("platform").
			Build()
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(line); err != nil {
		return errors.Newf("failed to append failure record: %w", err).
			Category(errors.CategoryFileIO).
			Context("job_id", record.JobID).
			Context("item_id", record.ItemID).
			Component("platform").
			Build()
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *JSONLFailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}
