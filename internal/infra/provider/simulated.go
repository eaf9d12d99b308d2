package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
)

// Operation names accepted by Simulated.FailNext.
const (
	OpCreateSnapshot = "CreateSnapshot"
	OpCopySnapshot   = "CopySnapshot"
	OpGetCopyState   = "GetCopyState"
	OpDeleteSnapshot = "DeleteSnapshot"
	OpListSnapshots  = "ListSnapshots"
	OpAreDeleted     = "AreDeleted"
	OpCreateDisk     = "CreateDiskFromSnapshot"
	OpCreateVM       = "CreateVM"
)

// Simulated is an in-memory Cloud for local runs and tests. Copy progress is
// scripted per snapshot name and failures can be injected per operation.
type Simulated struct {
	mu         sync.Mutex
	snapshots  map[string]domain.SnapshotInfo
	sources    []domain.SnapshotSource
	copyStates map[string][]domain.CopyState
	failures   map[string][]error
	disks      map[string]domain.VMDisk
	vms        map[string]domain.VMInfo
	calls      map[string]int
	now        func() time.Time
}

// NewSimulated creates an empty simulated cloud.
func NewSimulated() *Simulated {
	return &Simulated{
		snapshots:  make(map[string]domain.SnapshotInfo),
		copyStates: make(map[string][]domain.CopyState),
		failures:   make(map[string][]error),
		disks:      make(map[string]domain.VMDisk),
		vms:        make(map[string]domain.VMInfo),
		calls:      make(map[string]int),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for snapshot creation times.
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// ScriptCopy sets the states GetCopyState reports for a snapshot, one per
// call. The last state repeats.
func (s *Simulated) ScriptCopy(name string, states ...domain.CopyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyStates[name] = states
}

// AddSnapshot seeds an existing snapshot.
func (s *Simulated) AddSnapshot(info domain.SnapshotInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[info.Name] = info
}

// AddSource seeds a discoverable disk.
func (s *Simulated) AddSource(src domain.SnapshotSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// Calls returns how many times op ran, failed calls included.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Snapshots lists the stored snapshot names in order.
func (s *Simulated) Snapshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.snapshots))
	for n := range s.snapshots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// enter records a call and pops an injected failure. Callers hold s.mu.
func (s *Simulated) enter(op string) error {
	s.calls[op]++
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func snapshotID(subscriptionID, name string) string {
	return fmt.Sprintf("projects/%s/global/snapshots/%s", subscriptionID, name)
}

func notFound(kind, name string) error {
	return retry.WithStatus(http.StatusNotFound, fmt.Errorf("%s %s was not found", kind, name))
}

func (s *Simulated) CreateSnapshot(ctx context.Context, req CreateRequest) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateSnapshot); err != nil {
		return domain.Snapshot{}, err
	}
	if _, ok := s.snapshots[req.Name]; ok {
		return domain.Snapshot{}, retry.WithStatus(http.StatusConflict,
			fmt.Errorf("snapshot %s already exists", req.Name))
	}
	snap := domain.Snapshot{
		ID:             snapshotID(req.Source.SubscriptionID, req.Name),
		Name:           req.Name,
		Location:       req.Source.Location,
		ResourceGroup:  req.Source.ResourceGroup,
		SubscriptionID: req.Source.SubscriptionID,
	}
	s.snapshots[req.Name] = domain.SnapshotInfo{Snapshot: snap, Tags: copyTags(req.Tags), CreatedAt: s.now()}
	return snap, nil
}

func (s *Simulated) CopySnapshot(ctx context.Context, req CopyRequest) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCopySnapshot); err != nil {
		return domain.Snapshot{}, err
	}
	if _, ok := s.snapshots[req.Primary.Name]; !ok {
		return domain.Snapshot{}, notFound("snapshot", req.Primary.Name)
	}
	snap := req.Primary.Secondary(req.TargetLocation)
	snap.Name = req.Name
	if existing, ok := s.snapshots[req.Name]; ok {
		// Replayed copy requests converge on the same target.
		return existing.Snapshot, nil
	}
	s.snapshots[req.Name] = domain.SnapshotInfo{Snapshot: snap, Tags: copyTags(req.Tags), CreatedAt: s.now()}
	return snap, nil
}

func (s *Simulated) GetCopyState(ctx context.Context, snap domain.Snapshot) (domain.CopyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetCopyState); err != nil {
		return "", err
	}
	if _, ok := s.snapshots[snap.Name]; !ok {
		return "", notFound("snapshot", snap.Name)
	}
	states := s.copyStates[snap.Name]
	switch len(states) {
	case 0:
		return domain.CopySucceeded, nil
	case 1:
		return states[0], nil
	}
	s.copyStates[snap.Name] = states[1:]
	return states[0], nil
}

func (s *Simulated) GetSnapshot(ctx context.Context, id string) (domain.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.snapshots {
		if info.ID == id || info.Name == id {
			info.Tags = copyTags(info.Tags)
			return info, nil
		}
	}
	return domain.SnapshotInfo{}, notFound("snapshot", id)
}

func (s *Simulated) DeleteSnapshot(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteSnapshot); err != nil {
		return err
	}
	if _, ok := s.snapshots[name]; !ok {
		return notFound("snapshot", name)
	}
	delete(s.snapshots, name)
	return nil
}

func (s *Simulated) ListSnapshots(ctx context.Context, subscriptionID, diskID string) ([]domain.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListSnapshots); err != nil {
		return nil, err
	}
	var out []domain.SnapshotInfo
	for _, info := range s.snapshots {
		if info.Tags[domain.TagSourceDiskID] == diskID {
			info.Tags = copyTags(info.Tags)
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Simulated) AreDeleted(ctx context.Context, subscriptionID, resourceGroup string, names []string) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAreDeleted); err != nil {
		return nil, err
	}
	out := make([]bool, len(names))
	for i, n := range names {
		_, exists := s.snapshots[n]
		out[i] = !exists
	}
	return out, nil
}

func (s *Simulated) ListBackupSources(ctx context.Context) ([]domain.SnapshotSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SnapshotSource(nil), s.sources...), nil
}

func (s *Simulated) CreateDiskFromSnapshot(ctx context.Context, req DiskRequest) (domain.VMDisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateDisk); err != nil {
		return domain.VMDisk{}, err
	}
	if _, ok := s.disks[req.Name]; ok {
		return domain.VMDisk{}, fmt.Errorf("disk %s already exists", req.Name)
	}
	disk := domain.VMDisk{
		Name:   req.Name,
		ID:     fmt.Sprintf("projects/%s/disks/%s", req.ResourceGroup, req.Name),
		OSType: "Linux",
	}
	s.disks[req.Name] = disk
	return disk, nil
}

func (s *Simulated) CreateVM(ctx context.Context, req VMRequest) (domain.VMInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateVM); err != nil {
		return domain.VMInfo{}, err
	}
	if _, ok := s.vms[req.Name]; ok {
		return domain.VMInfo{}, fmt.Errorf("vm %s already exists", req.Name)
	}
	ip := req.IPAddress
	if ip == "" {
		ip = "10.0.0." + fmt.Sprint(len(s.vms)+10)
	}
	vm := domain.VMInfo{
		Name:      req.Name,
		ID:        fmt.Sprintf("projects/%s/instances/%s-%s", req.ResourceGroup, req.Name, uuid.NewString()[:8]),
		IPAddress: ip,
	}
	s.vms[req.Name] = vm
	return vm, nil
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
