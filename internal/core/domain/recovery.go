package domain

// RecoverySnapshot is a snapshot selected to seed a recovered VM.
type RecoverySnapshot struct {
	SnapshotName  string      `json:"snapshotName"`
	ResourceGroup string      `json:"resourceGroup"`
	ID            string      `json:"id"`
	Location      string      `json:"location"`
	TimeCreated   string      `json:"timeCreated"`
	VMName        string      `json:"vmName"`
	VMSize        string      `json:"vmSize"`
	DiskSKU       string      `json:"diskSku"`
	DiskProfile   DiskProfile `json:"diskProfile"`
	IPAddress     string      `json:"ipAddress"`
	SecurityType  string      `json:"securityType"`
}

// NewVMDetails is the input of one VM recovery.
type NewVMDetails struct {
	TargetSubnetID       string            `json:"targetSubnetId"`
	TargetResourceGroup  string            `json:"targetResourceGroup"`
	UseOriginalIPAddress bool              `json:"useOriginalIpAddress"`
	AppendUniqueSuffix   bool              `json:"appendUniqueStringToVmName"`
	SourceSnapshot       *RecoverySnapshot `json:"sourceSnapshot"`
	BatchID              string            `json:"batchId"`
}

// VMDisk is a disk created from a recovery snapshot.
type VMDisk struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	OSType string `json:"osType"`
}

// VMInfo describes a recovered VM.
type VMInfo struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	IPAddress string `json:"ipAddress"`
}
