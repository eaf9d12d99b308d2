package domain

import "time"

// JobOperation names the transition recorded by a JobLogEntry.
type JobOperation string

const (
	OpStart             JobOperation = "Start"
	OpSnapshotCreate    JobOperation = "Snapshot Create"
	OpSnapshotCreateEnd JobOperation = "Snapshot Create End"
	OpSnapshotCopyStart JobOperation = "Snapshot Copy Start"
	OpSnapshotCopyEnd   JobOperation = "Snapshot Copy End"
	OpPurgeStart        JobOperation = "Snapshot Purge Start"
	OpPurgeEnd          JobOperation = "Snapshot Purge End"
	OpVMCreateStart     JobOperation = "VM Create Start"
	OpVMCreateEnd       JobOperation = "VM Create End"
	OpError             JobOperation = "Error"
)

// JobStatus is the state of the job after the transition.
type JobStatus string

const (
	StatusSnapshotInProgress JobStatus = "Snapshot In Progress"
	StatusSnapshotCompleted  JobStatus = "Snapshot Completed"
	StatusSnapshotFailed     JobStatus = "Snapshot Failed"
	StatusPurgeInProgress    JobStatus = "Purge In Progress"
	StatusPurgeCompleted     JobStatus = "Purge Completed"
	StatusPurgeFailed        JobStatus = "Purge Failed"
	StatusRestoreInProgress  JobStatus = "Restore In Progress"
	StatusRestoreCompleted   JobStatus = "Restore Completed"
	StatusRestoreFailed      JobStatus = "Restore Failed"
)

// JobType groups entries by pipeline.
type JobType string

const (
	JobTypeSnapshot JobType = "Snapshot"
	JobTypePurge    JobType = "Purge"
	JobTypeRestore  JobType = "Restore"
)

// JobLogEntry is a write-only audit record of one pipeline transition.
type JobLogEntry struct {
	JobID               string       `json:"jobId"`
	Operation           JobOperation `json:"jobOperation"`
	Status              JobStatus    `json:"jobStatus"`
	Type                JobType      `json:"jobType"`
	Message             string       `json:"message"`
	SourceVMID          string       `json:"sourceVmId,omitempty"`
	SourceDiskID        string       `json:"sourceDiskId,omitempty"`
	PrimarySnapshotID   string       `json:"primarySnapshotId,omitempty"`
	SecondarySnapshotID string       `json:"secondarySnapshotId,omitempty"`
	PrimaryLocation     string       `json:"primaryLocation,omitempty"`
	SecondaryLocation   string       `json:"secondaryLocation,omitempty"`

	// Recovery jobs only.
	BatchID      string `json:"batchId,omitempty"`
	SnapshotID   string `json:"snapshotId,omitempty"`
	SnapshotName string `json:"snapshotName,omitempty"`
	VMName       string `json:"vmName,omitempty"`
	VMID         string `json:"vmId,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`

	TimeGenerated time.Time `json:"timeGenerated"`
}

// ControlEntry starts an entry pre-filled from a control token.
func ControlEntry(c SnapshotControl, typ JobType) JobLogEntry {
	return JobLogEntry{
		JobID:               c.JobID,
		Type:                typ,
		SourceVMID:          c.SourceVMID,
		SourceDiskID:        c.SourceDiskID,
		PrimarySnapshotID:   c.PrimarySnapshotID,
		SecondarySnapshotID: c.SecondarySnapshotID,
		PrimaryLocation:     c.PrimaryLocation,
		SecondaryLocation:   c.SecondaryLocation,
	}
}
