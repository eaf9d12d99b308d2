package domain

import (
	"fmt"
	"time"
)

// Snapshot tag names.
const (
	TagLocationType = "smcp-location-type"
	TagSourceDiskID = "smcp-source-disk-id"
	TagRecoveryInfo = "smcp-recovery-info"
	TagBackup       = "smcp-backup"
)

// LocationRole is the value of TagLocationType.
type LocationRole string

const (
	LocationPrimary   LocationRole = "primary"
	LocationSecondary LocationRole = "secondary"
)

// NotApplicable marks the secondary fields of a job that never copied.
const NotApplicable = "na"

// SecondarySuffix is appended to a primary snapshot name (and id) to derive the
// name of its secondary copy.
const SecondarySuffix = "-sec"

// maxSnapshotName is the shortest name limit among supported providers.
const maxSnapshotName = 63

// Snapshot is the provider-assigned identity of one physical snapshot.
type Snapshot struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Location       string `json:"location"`
	ResourceGroup  string `json:"resourceGroup"`
	SubscriptionID string `json:"subscriptionId"`
}

// Secondary derives the identity of the secondary copy of s in location.
func (s Snapshot) Secondary(location string) Snapshot {
	return Snapshot{
		ID:             s.ID + SecondarySuffix,
		Name:           SecondaryName(s.Name),
		Location:       location,
		ResourceGroup:  s.ResourceGroup,
		SubscriptionID: s.SubscriptionID,
	}
}

// SnapshotInfo is a listed snapshot together with its tags and creation time.
type SnapshotInfo struct {
	Snapshot
	Tags      map[string]string
	CreatedAt time.Time
}

// Role returns the location role recorded in the snapshot tags.
func (s SnapshotInfo) Role() LocationRole {
	return LocationRole(s.Tags[TagLocationType])
}

// CopyState is the observed state of a cross-region copy.
type CopyState string

const (
	CopyInProgress CopyState = "InProgress"
	CopySucceeded  CopyState = "Succeeded"
	CopyFailed     CopyState = "Failed"
)

// CopyStateOf folds the two provider signals into a CopyState. Success needs
// both a complete copy and a terminal provisioning success.
func CopyStateOf(provisioning string, completionPercent float64) CopyState {
	switch provisioning {
	case "Failed":
		return CopyFailed
	case "Succeeded":
		if completionPercent >= 100 {
			return CopySucceeded
		}
	}
	return CopyInProgress
}

// PrimaryName builds the primary snapshot name for a disk at t.
func PrimaryName(diskName string, t time.Time) string {
	name := fmt.Sprintf("s%s-%s", t.UTC().Format("20060102t1504"), diskName)
	// room for the secondary suffix
	if limit := maxSnapshotName - len(SecondarySuffix); len(name) > limit {
		name = name[:limit]
	}
	return name
}

// SecondaryName derives the secondary snapshot name from a primary one.
func SecondaryName(primary string) string {
	return primary + SecondarySuffix
}
