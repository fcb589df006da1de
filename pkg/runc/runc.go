package runc

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/log"
)

const pidFileName = "container.pid"

// Service supervises OCI-runtime invocations for containers and isolated-pod
// inner containers: each operation spawns the runtime binary with stdio
// redirected to /dev/null and waits for it to exit (spec §4.2).
type Service struct {
	cfg    Config
	fs     afero.Fs
	runner Runner
	notify ExitNotifier

	mu      sync.Mutex
	started map[ids.ContainerId]bool
}

// New constructs an OCI-runtime supervisor.
func New(cfg Config, fs afero.Fs, notify ExitNotifier) *Service {
	return &Service{
		cfg:     cfg,
		fs:      fs,
		runner:  execRunner{},
		notify:  notify,
		started: make(map[ids.ContainerId]bool),
	}
}

// Create runs "runtime create --bundle <bundle> --pid-file <bundle>/container.pid <id>",
// then reads and deletes the pid-file (spec §4.2). The pid-file is removed
// unconditionally on return, success or failure (P6): leaving it behind
// after a rejected or malformed create would confuse a later create on the
// same bundle path.
func (s *Service) Create(ctx context.Context, id ids.ContainerId, bundlePath string) (int, error) {
	pidFile := bundlePath + "/" + pidFileName
	defer func() { _ = s.fs.Remove(pidFile) }()

	args := []string{"create", "--bundle", bundlePath, "--pid-file", pidFile, id.String()}

	if err := s.runner.Run(ctx, s.cfg.RuntimeBinaryPath, args); err != nil {
		return 0, feoserrors.Wrap(feoserrors.KindBackendRejected, "runtime create failed for "+id.String(), err)
	}

	raw, err := afero.ReadFile(s.fs, pidFile)
	if err != nil {
		return 0, feoserrors.Wrap(feoserrors.KindBackendRejected, "reading pid-file for "+id.String(), err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, feoserrors.Wrap(feoserrors.KindBackendRejected, "parsing pid-file for "+id.String(), err)
	}

	return pid, nil
}

// Start runs "runtime start <id>", which signals the init process created
// above to exec the container's entrypoint. On success it spawns a
// background reaper that waits on pid directly: because the agent is the
// host's PID 1, the container's init process is (or becomes, on reparent)
// one of our children, so a pid-scoped wait4 is valid here (spec §4.2).
func (s *Service) Start(ctx context.Context, id ids.ContainerId, pid int) error {
	if err := s.runner.Run(ctx, s.cfg.RuntimeBinaryPath, []string{"start", id.String()}); err != nil {
		return feoserrors.Wrap(feoserrors.KindBackendRejected, "runtime start failed for "+id.String(), err)
	}

	s.mu.Lock()
	s.started[id] = true
	s.mu.Unlock()

	go s.reapOne(context.WithoutCancel(ctx), id, pid)

	return nil
}

// Kill runs "runtime kill <id> <signal>".
func (s *Service) Kill(ctx context.Context, id ids.ContainerId, signalName string) error {
	if err := s.runner.Run(ctx, s.cfg.RuntimeBinaryPath, []string{"kill", id.String(), signalName}); err != nil {
		return feoserrors.Wrap(feoserrors.KindBackendRejected, "runtime kill failed for "+id.String(), err)
	}

	return nil
}

// Delete runs "runtime delete --force <id>"; it always attempts cleanup,
// reporting the runtime's own failure but never suppressing it.
func (s *Service) Delete(ctx context.Context, id ids.ContainerId) error {
	err := s.runner.Run(ctx, s.cfg.RuntimeBinaryPath, []string{"delete", "--force", id.String()})

	s.mu.Lock()
	delete(s.started, id)
	s.mu.Unlock()

	if err != nil {
		return feoserrors.Wrap(feoserrors.KindBackendRejected, "runtime delete failed for "+id.String(), err)
	}

	return nil
}

// reapOne waits for a single container init process to exit and reports its
// termination using the 128+signo / 255 rule (spec §4.2).
func (s *Service) reapOne(ctx context.Context, id ids.ContainerId, pid int) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "runc", "container_id": id.String()})

	var status syscall.WaitStatus

	_, err := syscall.Wait4(pid, &status, 0, nil)
	if err != nil {
		logger.WithError(err).Debug("wait4 failed")

		if s.notify != nil {
			s.notify.NotifyContainerExit(ctx, id, 255, true)
		}

		return
	}

	exitCode, failed := waitStatusExit(status)

	if s.notify != nil {
		s.notify.NotifyContainerExit(ctx, id, exitCode, failed)
	}
}

func waitStatusExit(status syscall.WaitStatus) (code int, failed bool) {
	if status.Signaled() {
		return 128 + int(status.Signal()), true
	}

	return status.ExitStatus(), status.ExitStatus() != 0
}
