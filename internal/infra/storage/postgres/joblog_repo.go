package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/snapkeeper/internal/core/domain"
)

// JobLogRepo persists job-log entries. Rows are written once and only ever
// removed by retention pruning.
type JobLogRepo struct {
	db *sqlx.DB
}

func NewJobLogRepo(db *DB) *JobLogRepo {
	return &JobLogRepo{db: db.DB}
}

type jobLogRow struct {
	JobID               string    `db:"job_id"`
	Operation           string    `db:"job_operation"`
	Status              string    `db:"job_status"`
	Type                string    `db:"job_type"`
	Message             string    `db:"message"`
	SourceVMID          string    `db:"source_vm_id"`
	SourceDiskID        string    `db:"source_disk_id"`
	PrimarySnapshotID   string    `db:"primary_snapshot_id"`
	SecondarySnapshotID string    `db:"secondary_snapshot_id"`
	PrimaryLocation     string    `db:"primary_location"`
	SecondaryLocation   string    `db:"secondary_location"`
	BatchID             string    `db:"batch_id"`
	SnapshotID          string    `db:"snapshot_id"`
	SnapshotName        string    `db:"snapshot_name"`
	VMName              string    `db:"vm_name"`
	VMID                string    `db:"vm_id"`
	IPAddress           string    `db:"ip_address"`
	TimeGenerated       time.Time `db:"time_generated"`
}

const insertJobLog = `
	INSERT INTO job_log (
		job_id, job_operation, job_status, job_type, message,
		source_vm_id, source_disk_id, primary_snapshot_id, secondary_snapshot_id,
		primary_location, secondary_location,
		batch_id, snapshot_id, snapshot_name, vm_name, vm_id, ip_address,
		time_generated
	) VALUES (
		:job_id, :job_operation, :job_status, :job_type, :message,
		:source_vm_id, :source_disk_id, :primary_snapshot_id, :secondary_snapshot_id,
		:primary_location, :secondary_location,
		:batch_id, :snapshot_id, :snapshot_name, :vm_name, :vm_id, :ip_address,
		:time_generated
	)`

func (r *JobLogRepo) Append(ctx context.Context, e domain.JobLogEntry) error {
	row := jobLogRow{
		JobID:               e.JobID,
		Operation:           string(e.Operation),
		Status:              string(e.Status),
		Type:                string(e.Type),
		Message:             e.Message,
		SourceVMID:          e.SourceVMID,
		SourceDiskID:        e.SourceDiskID,
		PrimarySnapshotID:   e.PrimarySnapshotID,
		SecondarySnapshotID: e.SecondarySnapshotID,
		PrimaryLocation:     e.PrimaryLocation,
		SecondaryLocation:   e.SecondaryLocation,
		BatchID:             e.BatchID,
		SnapshotID:          e.SnapshotID,
		SnapshotName:        e.SnapshotName,
		VMName:              e.VMName,
		VMID:                e.VMID,
		IPAddress:           e.IPAddress,
		TimeGenerated:       e.TimeGenerated,
	}
	if _, err := r.db.NamedExecContext(ctx, insertJobLog, row); err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// DeleteOlderThan removes entries generated before cutoff.
func (r *JobLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM job_log WHERE time_generated < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job log: %w", err)
	}
	return res.RowsAffected()
}
