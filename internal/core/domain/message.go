package domain

import "strings"

// Queue names. Each pipeline stage consumes exactly one of them.
const (
	QueueSnapshotJobs   = "snapshot-jobs"
	QueueCopyJobs       = "copy-jobs"
	QueueCopyControl    = "copy-control"
	QueuePurgeJobs      = "purge-jobs"
	QueuePurgeSnapshots = "purge-snapshots"
	QueuePurgeControl   = "purge-control"
	QueueDeadLetter     = "dead-letter-snapshot-creation-jobs"
)

// PoisonSuffix names the queue that receives messages redelivered too often.
const PoisonSuffix = "-poison"

// PoisonQueue returns the poison queue paired with queue.
func PoisonQueue(queue string) string {
	return queue + PoisonSuffix
}

// PoisonSource returns the queue a poison queue belongs to.
func PoisonSource(poison string) (string, bool) {
	if !strings.HasSuffix(poison, PoisonSuffix) || len(poison) == len(PoisonSuffix) {
		return "", false
	}
	return strings.TrimSuffix(poison, PoisonSuffix), true
}

// SnapshotCopy asks the copy dispatch stage to replicate a primary snapshot.
type SnapshotCopy struct {
	JobID             string         `json:"jobId"`
	SourceVMID        string         `json:"sourceVmId"`
	SourceDiskID      string         `json:"sourceDiskId"`
	SourceSubnetID    string         `json:"sourceSubnetId"`
	PrimarySnapshot   Snapshot       `json:"primarySnapshot"`
	SecondaryLocation string         `json:"secondaryLocation"`
	VMRecoveryInfo    VMRecoveryInfo `json:"vmRecoveryInfo"`
	Attempt           int            `json:"attempt"`
}

// SnapshotControl is the control token of a job. The queue message carrying it
// is the only state of the in-flight stage.
type SnapshotControl struct {
	JobID               string `json:"jobId"`
	SourceVMID          string `json:"sourceVmId"`
	SourceDiskID        string `json:"sourceDiskId"`
	PrimarySnapshotID   string `json:"primarySnapshotId"`
	SecondarySnapshotID string `json:"secondarySnapshotId"`
	PrimaryLocation     string `json:"primaryLocation"`
	SecondaryLocation   string `json:"secondaryLocation"`
	Attempt             int    `json:"attempt,omitempty"`
}

// HasSecondary reports whether the job produced a secondary copy.
func (c SnapshotControl) HasSecondary() bool {
	return c.SecondarySnapshotID != "" && c.SecondarySnapshotID != NotApplicable
}

// SnapshotCopyControl is polled by the copy control loop.
type SnapshotCopyControl struct {
	Control  SnapshotControl `json:"control"`
	Snapshot Snapshot        `json:"snapshot"`
}

// SnapshotPurge carries either one snapshot to delete (purge execution) or the
// full candidate list (purge control loop).
type SnapshotPurge struct {
	Source               SnapshotControl `json:"source"`
	SubscriptionID       string          `json:"subscriptionId"`
	ResourceGroupName    string          `json:"resourceGroupName"`
	SnapshotNameToPurge  string          `json:"snapshotNameToPurge,omitempty"`
	SnapshotsNameToPurge []string        `json:"snapshotsNameToPurge,omitempty"`
	Attempt              int             `json:"attempt,omitempty"`
}
