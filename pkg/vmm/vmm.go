package vmm

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/log"
	"feos/pkg/models"
)

// entry is the process-and-socket bookkeeping Vmm keeps per registered VM.
// It is not the VmRecord (that belongs to the dispatcher) -- only what
// Vmm itself needs to issue hypervisor calls and reap the child.
type entry struct {
	apiSocket     string
	consoleSocket string
	proc          *os.Process
}

// Service is the Cloud-Hypervisor supervisor described in spec §4.1.
// Concurrent calls for the same WorkloadId are expected to already be
// linearised by the caller (the dispatcher); Service only guards its own
// registry map.
type Service struct {
	cfg    Config
	fs     afero.Fs
	notify ExitNotifier

	mu      sync.Mutex
	entries map[ids.WorkloadId]*entry
}

// New constructs a Vmm supervisor. notify receives exit notifications from
// the background reaper.
func New(cfg Config, fs afero.Fs, notify ExitNotifier) *Service {
	return &Service{
		cfg:     cfg,
		fs:      fs,
		notify:  notify,
		entries: make(map[ids.WorkloadId]*entry),
	}
}

func (s *Service) get(id ids.WorkloadId) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]

	return e, ok
}

// Init spawns a Cloud-Hypervisor child for id (spec §4.1).
func (s *Service) Init(ctx context.Context, id ids.WorkloadId, waitForSocket bool) error {
	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return feoserrors.New(feoserrors.KindAlreadyExists, "vm "+id.String()+" already initialised")
	}
	s.mu.Unlock()

	if err := s.fs.MkdirAll(s.cfg.APISocketDir, defaults.DataDirPerm); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "creating api socket dir", err)
	}

	if err := s.fs.MkdirAll(s.cfg.ConsoleSocketDir, defaults.DataDirPerm); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "creating console socket dir", err)
	}

	apiSocket := s.cfg.apiSocketPath(id)
	consoleSocket := s.cfg.consoleSocketPath(id)

	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "vmm", "workload_id": id.String()})

	args := []string{"--api-socket", apiSocket}

	cmd := exec.Command(s.cfg.CloudHypervisorBin, args...)
	// Never inherit the caller's stdio for a long-lived child (spec §9's
	// hang-avoidance mandate applies just as much to a process we intend
	// to keep running as to one we wait on synchronously).
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if s.cfg.RunDetached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "starting cloud-hypervisor process", err)
	}

	e := &entry{apiSocket: apiSocket, consoleSocket: consoleSocket, proc: cmd.Process}

	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	go s.reap(context.WithoutCancel(ctx), id, cmd)

	if waitForSocket {
		deadline := time.Now().Add(defaults.SocketPollTimeout)

		for {
			if _, err := s.fs.Stat(apiSocket); err == nil {
				break
			}

			if time.Now().After(deadline) {
				return feoserrors.New(feoserrors.KindSocketTimeout, "api socket did not appear: "+apiSocket)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaults.SocketPollInterval):
			}
		}
	}

	logger.Debug("cloud-hypervisor process started")

	return nil
}

// reap waits on the spawned child and notifies the dispatcher of its exit
// (spec §4.1 "Child reaping").
func (s *Service) reap(ctx context.Context, id ids.WorkloadId, cmd *exec.Cmd) {
	err := cmd.Wait()

	exitCode, failed := exitCodeFromWaitErr(cmd, err)

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	if s.notify != nil {
		s.notify.NotifyExit(ctx, id, exitCode, failed, "")
	}
}

// exitCodeFromWaitErr applies the "signalled -> 128+signo, else 255" rule
// from spec §4.1.
func exitCodeFromWaitErr(cmd *exec.Cmd, waitErr error) (code int, failed bool) {
	if waitErr == nil {
		return 0, false
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal()), true
			}

			return status.ExitStatus(), status.ExitStatus() != 0
		}

		return 255, true
	}

	return 255, true
}

// Create issues PUT vm.create (spec §4.1).
func (s *Service) Create(ctx context.Context, id ids.WorkloadId, cpu uint32, memoryBytes uint64, boot models.Boot, disks []models.DiskAttachment) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	body := buildCreateBody(cpu, memoryBytes, boot, disks, e.consoleSocket)

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.create", body)

	return err
}

// Boot issues PUT vm.boot.
func (s *Service) Boot(ctx context.Context, id ids.WorkloadId) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.boot", nil)

	return err
}

// Pause issues PUT vm.pause.
func (s *Service) Pause(ctx context.Context, id ids.WorkloadId) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.pause", nil)

	return err
}

// Resume issues PUT vm.resume.
func (s *Service) Resume(ctx context.Context, id ids.WorkloadId) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.resume", nil)

	return err
}

// Shutdown issues PUT vm.shutdown.
func (s *Service) Shutdown(ctx context.Context, id ids.WorkloadId) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.shutdown", nil)

	return err
}

// AddDisk issues PUT vm.add-disk.
func (s *Service) AddDisk(ctx context.Context, id ids.WorkloadId, path string, readOnly bool) (string, error) {
	e, ok := s.get(id)
	if !ok {
		return "", feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	raw, err := chCall(ctx, e.apiSocket, "PUT", "vm.add-disk", vmAddDiskBody{Path: path, ReadOnly: readOnly})
	if err != nil {
		return "", err
	}

	return parseAddDiskResponse(raw)
}

// RemoveDisk issues PUT vm.remove-device for a previously attached disk.
func (s *Service) RemoveDisk(ctx context.Context, id ids.WorkloadId, diskID string) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	_, err := chCall(ctx, e.apiSocket, "PUT", "vm.remove-device", vmRemoveDeviceBody{ID: diskID})

	return err
}

// Ping issues GET vmm.ping and returns the hypervisor build string.
func (s *Service) Ping(ctx context.Context, id ids.WorkloadId) (string, error) {
	e, ok := s.get(id)
	if !ok {
		return "", feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	raw, err := chCall(ctx, e.apiSocket, "GET", "vmm.ping", nil)
	if err != nil {
		return "", err
	}

	return parsePingResponse(raw)
}

// Delete tears down a VM: vm.delete, vmm.shutdown-vmm, wait with deadline,
// then SIGKILL, then removes the socket files (spec §4.1; always final).
func (s *Service) Delete(ctx context.Context, id ids.WorkloadId) error {
	e, ok := s.get(id)
	if !ok {
		return feoserrors.New(feoserrors.KindNotFound, "vm "+id.String()+" not initialised")
	}

	// Best-effort: the hypervisor may already be gone.
	_, _ = chCall(ctx, e.apiSocket, "PUT", "vm.delete", nil)
	_, _ = chCall(ctx, e.apiSocket, "PUT", "vmm.shutdown-vmm", nil)

	if e.proc != nil {
		done := make(chan struct{})

		go func() {
			_, _ = e.proc.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.deleteTimeout()):
			_ = e.proc.Kill()
			<-done
		}
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	_ = s.fs.Remove(e.apiSocket)
	_ = s.fs.Remove(e.consoleSocket)

	return nil
}

func (s *Service) deleteTimeout() time.Duration {
	if s.cfg.DeleteVMTimeout > 0 {
		return s.cfg.DeleteVMTimeout
	}

	return defaults.DeleteVMGraceTimeout
}

// PID returns the tracked child PID for id, satisfying invariant P1.
func (s *Service) PID(id ids.WorkloadId) (int, bool) {
	e, ok := s.get(id)
	if !ok || e.proc == nil {
		return 0, false
	}

	return e.proc.Pid, true
}

// Sockets returns the api/console socket paths registered for id (spec §3's
// VmRecord.APISocket/ConsoleSocket).
func (s *Service) Sockets(id ids.WorkloadId) (apiSocket, consoleSocket string, ok bool) {
	e, ok := s.get(id)
	if !ok {
		return "", "", false
	}

	return e.apiSocket, e.consoleSocket, true
}
