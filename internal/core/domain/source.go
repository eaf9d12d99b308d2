package domain

import "strings"

// DiskProfile is the role a disk plays on its VM.
type DiskProfile string

const (
	DiskProfileOS   DiskProfile = "os-disk"
	DiskProfileData DiskProfile = "data-disk"
)

// SnapshotSource describes a disk to protect. It is produced by discovery and
// consumed read-only by the snapshot creation stage.
type SnapshotSource struct {
	SubscriptionID string      `json:"subscriptionId"`
	ResourceGroup  string      `json:"resourceGroup"`
	Location       string      `json:"location"`
	VMID           string      `json:"vmId"`
	VMName         string      `json:"vmName"`
	VMSize         string      `json:"vmSize"`
	DiskID         string      `json:"diskId"`
	DiskName       string      `json:"diskName"`
	DiskSizeGB     string      `json:"diskSizeGB"`
	DiskSKU        string      `json:"diskSku"`
	DiskProfile    DiskProfile `json:"diskProfile"`
	IPAddress      string      `json:"ipAddress"`
	SecurityType   string      `json:"securityType"`
	SubnetID       string      `json:"subnetId"`
}

// RecoveryInfo returns the descriptor needed to rebuild the VM later without
// querying the source VM again.
func (s SnapshotSource) RecoveryInfo() VMRecoveryInfo {
	return VMRecoveryInfo{
		VMName:       s.VMName,
		VMSize:       s.VMSize,
		DiskSKU:      s.DiskSKU,
		DiskProfile:  s.DiskProfile,
		IPAddress:    s.IPAddress,
		SecurityType: s.SecurityType,
	}
}

// VMRecoveryInfo is serialized into a snapshot tag at creation time.
type VMRecoveryInfo struct {
	VMName       string      `json:"vmName"`
	VMSize       string      `json:"vmSize"`
	DiskSKU      string      `json:"diskSku"`
	DiskProfile  DiskProfile `json:"diskProfile"`
	IPAddress    string      `json:"ipAddress"`
	SecurityType string      `json:"securityType"`
}

// LastSegment returns the trailing path segment of a resource id, which is the
// resource name for both ARM-style and GCE-style ids.
func LastSegment(id string) string {
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Segment returns the path segment following key in a resource id, or "" when
// key is absent. Matching on key is case-insensitive.
func Segment(id, key string) string {
	parts := strings.Split(id, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], key) {
			return parts[i+1]
		}
	}
	return ""
}
