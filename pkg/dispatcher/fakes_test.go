package dispatcher

import (
	"context"
	"sync"

	"feos/pkg/ids"
	"feos/pkg/models"
)

// fakeVmm is a vmmBackend that records calls instead of spawning a real
// Cloud-Hypervisor child, so vmActor's state machine can be driven
// deterministically in tests.
type fakeVmm struct {
	mu sync.Mutex

	calls []string

	initErr     error
	createErr   error
	addNetErr   error
	bootErr     error
	pauseErr    error
	resumeErr   error
	shutdownErr error
	deleteErr   error
	pingErr     error

	pid   int
	hasPID bool

	apiSocket     string
	consoleSocket string
	hasSockets    bool
}

func newFakeVmm() *fakeVmm {
	return &fakeVmm{pid: 4242, hasPID: true, apiSocket: "/tmp/fake.api", consoleSocket: "/tmp/fake.console", hasSockets: true}
}

func (f *fakeVmm) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, name)
}

func (f *fakeVmm) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.calls {
		if c == name {
			n++
		}
	}

	return n
}

func (f *fakeVmm) Init(ctx context.Context, id ids.WorkloadId, waitForSocket bool) error {
	f.record("Init")
	return f.initErr
}

func (f *fakeVmm) Create(ctx context.Context, id ids.WorkloadId, cpu uint32, memoryBytes uint64, boot models.Boot, disks []models.DiskAttachment) error {
	f.record("Create")
	return f.createErr
}

func (f *fakeVmm) AddNet(ctx context.Context, id ids.WorkloadId, nic models.NicAttachment) error {
	f.record("AddNet")
	return f.addNetErr
}

func (f *fakeVmm) Boot(ctx context.Context, id ids.WorkloadId) error {
	f.record("Boot")
	return f.bootErr
}

func (f *fakeVmm) Pause(ctx context.Context, id ids.WorkloadId) error {
	f.record("Pause")
	return f.pauseErr
}

func (f *fakeVmm) Resume(ctx context.Context, id ids.WorkloadId) error {
	f.record("Resume")
	return f.resumeErr
}

func (f *fakeVmm) Shutdown(ctx context.Context, id ids.WorkloadId) error {
	f.record("Shutdown")
	return f.shutdownErr
}

func (f *fakeVmm) Delete(ctx context.Context, id ids.WorkloadId) error {
	f.record("Delete")
	return f.deleteErr
}

func (f *fakeVmm) Ping(ctx context.Context, id ids.WorkloadId) (string, error) {
	f.record("Ping")
	if f.pingErr != nil {
		return "", f.pingErr
	}

	return "fake-build", nil
}

func (f *fakeVmm) AddDisk(ctx context.Context, id ids.WorkloadId, path string, readOnly bool) (string, error) {
	f.record("AddDisk")
	return "disk-0", nil
}

func (f *fakeVmm) RemoveDisk(ctx context.Context, id ids.WorkloadId, diskID string) error {
	f.record("RemoveDisk")
	return nil
}

func (f *fakeVmm) PID(id ids.WorkloadId) (int, bool) {
	return f.pid, f.hasPID
}

func (f *fakeVmm) Sockets(id ids.WorkloadId) (apiSocket, consoleSocket string, ok bool) {
	return f.apiSocket, f.consoleSocket, f.hasSockets
}

// fakeRunc is a runcBackend that records calls instead of shelling out to an
// OCI runtime binary.
type fakeRunc struct {
	mu sync.Mutex

	calls []string

	createErr error
	startErr  error
	killErr   error
	deleteErr error

	pid int
}

func newFakeRunc() *fakeRunc {
	return &fakeRunc{pid: 777}
}

func (f *fakeRunc) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, name)
}

func (f *fakeRunc) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.calls {
		if c == name {
			n++
		}
	}

	return n
}

func (f *fakeRunc) Create(ctx context.Context, id ids.ContainerId, bundlePath string) (int, error) {
	f.record("Create")
	if f.createErr != nil {
		return 0, f.createErr
	}

	return f.pid, nil
}

func (f *fakeRunc) Start(ctx context.Context, id ids.ContainerId, pid int) error {
	f.record("Start")
	return f.startErr
}

func (f *fakeRunc) Kill(ctx context.Context, id ids.ContainerId, signalName string) error {
	f.record("Kill")
	return f.killErr
}

func (f *fakeRunc) Delete(ctx context.Context, id ids.ContainerId) error {
	f.record("Delete")
	return f.deleteErr
}
