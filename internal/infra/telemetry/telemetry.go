// Package telemetry delivers job-log entries. Entries are write-only: nothing
// in the pipeline reads them back.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// Sink appends one job-log entry.
type Sink interface {
	Append(ctx context.Context, e domain.JobLogEntry) error
}

// Fanout stamps entries and delivers them to every sink. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	sinks []Sink
	now   func() time.Time
}

// NewFanout creates a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, now: time.Now}
}

func (f *Fanout) Append(ctx context.Context, e domain.JobLogEntry) error {
	if e.TimeGenerated.IsZero() {
		e.TimeGenerated = f.now().UTC()
	}
	metrics.JobLogEntries.WithLabelValues(string(e.Operation), string(e.Status)).Inc()

	var result *multierror.Error
	for _, s := range f.sinks {
		if err := s.Append(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// LogSink writes entries as structured log records.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger.With("component", "joblog")}
}

func (s *LogSink) Append(ctx context.Context, e domain.JobLogEntry) error {
	level := slog.LevelInfo
	if e.Operation == domain.OpError {
		level = slog.LevelError
	}
	attrs := []any{
		"job_id", e.JobID,
		"operation", e.Operation,
		"status", e.Status,
		"type", e.Type,
	}
	for _, kv := range [][2]string{
		{"source_vm_id", e.SourceVMID},
		{"source_disk_id", e.SourceDiskID},
		{"primary_snapshot_id", e.PrimarySnapshotID},
		{"secondary_snapshot_id", e.SecondarySnapshotID},
		{"batch_id", e.BatchID},
		{"vm_name", e.VMName},
		{"snapshot_name", e.SnapshotName},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	s.log.Log(ctx, level, e.Message, attrs...)
	return nil
}

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []domain.JobLogEntry
}

func (r *Recorder) Append(ctx context.Context, e domain.JobLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []domain.JobLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobLogEntry(nil), r.entries...)
}

// Count returns how many entries have the operation and, if non-empty, the
// status.
func (r *Recorder) Count(op domain.JobOperation, status domain.JobStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Operation == op && (status == "" || e.Status == status) {
			n++
		}
	}
	return n
}
