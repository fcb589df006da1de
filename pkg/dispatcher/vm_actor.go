package dispatcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/log"
	"feos/pkg/models"
)

// vmExitReport is how the dispatcher's vmm.ExitNotifier implementation
// threads a Cloud-Hypervisor child's exit back into the owning actor.
type vmExitReport struct {
	exitCode int
	failed   bool
	detail   string
}

// bootPollResult is sent internally while the actor is in VmBooting,
// carrying the outcome of the most recent Vmm.Ping attempt.
type bootPollResult struct {
	ok bool
}

// vmActor is the single owning goroutine for one VM's lifecycle (spec
// §4.6, "Shape").
type vmActor struct {
	id  ids.WorkloadId
	vmm vmmBackend

	lifecycleCh chan VmCommand
	infoCh      chan VmCommand
	exitCh      chan vmExitReport
	bootPollCh  chan bootPollResult

	record *models.VmRecord

	// pendingShutdown records a Shutdown issued while the VM is still
	// Booting; the state table (spec §4.6) defers it until the boot poll
	// transitions the record into Running.
	pendingShutdown bool

	subs   map[int]chan models.Event
	subSeq int

	// onEvent additionally fans every published event out to the
	// dispatcher-wide broadcast subscribers (e.g. pkg/store), independent
	// of the per-actor subs registered via VmCmdStreamEvents.
	onEvent func(models.Event)

	logger logrus.FieldLogger
}

func newVMActor(ctx context.Context, id ids.WorkloadId, vmmSvc vmmBackend, onEvent func(models.Event)) *vmActor {
	return &vmActor{
		id:          id,
		vmm:         vmmSvc,
		lifecycleCh: make(chan VmCommand, defaults.CommandChannelCapacity),
		infoCh:      make(chan VmCommand, defaults.CommandChannelCapacity),
		exitCh:      make(chan vmExitReport, 1),
		bootPollCh:  make(chan bootPollResult, 1),
		record:      &models.VmRecord{ID: id, State: models.VmCreated},
		subs:        make(map[int]chan models.Event),
		onEvent:     onEvent,
		logger:      log.GetLogger(ctx).WithFields(logrus.Fields{"service": "dispatcher", "workload_id": id.String()}),
	}
}

// run is the actor's own goroutine: a priority select over the lifecycle
// and info command channels plus the actor's internal notification
// channels (spec §4.6).
func (a *vmActor) run(ctx context.Context) {
	for {
		// Lifecycle commands preempt info commands within the same poll.
		select {
		case cmd := <-a.lifecycleCh:
			a.handle(ctx, cmd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return

		case cmd := <-a.lifecycleCh:
			a.handle(ctx, cmd)

		case cmd := <-a.infoCh:
			a.handle(ctx, cmd)

		case report := <-a.exitCh:
			a.onExit(ctx, report)

		case poll := <-a.bootPollCh:
			a.onBootPoll(ctx, poll)
		}
	}
}

func (a *vmActor) submit(cmd VmCommand) {
	ch := a.infoCh
	if cmd.Kind.isLifecycle() {
		ch = a.lifecycleCh
	}

	select {
	case ch <- cmd:
	case <-time.After(defaults.CommandSendTimeout):
		cmd.Reply <- VmResult{Err: feoserrors.ErrBusy}
	}
}

func (a *vmActor) handle(ctx context.Context, cmd VmCommand) {
	switch cmd.Kind {
	case VmCmdCreate:
		cmd.Reply <- a.doCreate(ctx, cmd)
	case VmCmdStart:
		cmd.Reply <- a.doStart(ctx)
	case VmCmdPause:
		cmd.Reply <- a.doPause(ctx)
	case VmCmdResume:
		cmd.Reply <- a.doResume(ctx)
	case VmCmdShutdown:
		cmd.Reply <- a.doShutdown(ctx)
	case VmCmdDelete:
		cmd.Reply <- a.doDelete(ctx)
	case VmCmdGet:
		cmd.Reply <- VmResult{Record: a.record.Snapshot()}
	case VmCmdPing:
		cmd.Reply <- a.doPing(ctx)
	case VmCmdAttachDisk:
		cmd.Reply <- a.doAttachDisk(ctx, cmd)
	case VmCmdRemoveDisk:
		cmd.Reply <- a.doRemoveDisk(ctx, cmd)
	case VmCmdStreamEvents:
		a.subSeq++
		a.subs[a.subSeq] = cmd.EventSub
		cmd.Reply <- VmResult{Record: a.record.Snapshot()}
	}
}

func (a *vmActor) doCreate(ctx context.Context, cmd VmCommand) VmResult {
	if a.record.State != models.VmCreated || a.record.ImageID != "" {
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := models.ValidateNew(cmd.CPU, cmd.MemoryBytes, cmd.ImageID, defaults.HypervisorMinMemoryBytes); err != nil {
		return VmResult{Err: feoserrors.InvalidArgumentf("%s", err)}
	}

	if err := a.vmm.Init(ctx, a.id, true); err != nil {
		return VmResult{Err: err}
	}

	if err := a.vmm.Create(ctx, a.id, cmd.CPU, cmd.MemoryBytes, cmd.Boot, cmd.Disks); err != nil {
		return VmResult{Err: err}
	}

	for _, nic := range cmd.Nics {
		if err := a.vmm.AddNet(ctx, a.id, nic); err != nil {
			return VmResult{Err: err}
		}
	}

	a.record.CPU = cmd.CPU
	a.record.MemoryBytes = cmd.MemoryBytes
	a.record.ImageID = cmd.ImageID
	a.record.Boot = cmd.Boot
	a.record.Disks = cmd.Disks
	a.record.Nics = cmd.Nics

	// PID is only ever Some while state ∈ {Booting, Running, Paused,
	// Stopping} (spec §3); it is not set here even though the child is
	// already running, since the record is still Created.
	if apiSocket, consoleSocket, ok := a.vmm.Sockets(a.id); ok {
		a.record.APISocket = apiSocket
		a.record.ConsoleSocket = consoleSocket
	}

	a.publish(ctx, models.Event{Kind: models.EventVmCreated, WorkloadID: a.id})

	return VmResult{Record: a.record.Snapshot()}
}

func (a *vmActor) doStart(ctx context.Context) VmResult {
	if a.record.State != models.VmCreated {
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.vmm.Boot(ctx, a.id); err != nil {
		return VmResult{Err: err}
	}

	a.record.State = models.VmBooting

	if pid, ok := a.vmm.PID(a.id); ok {
		a.record.PID = &pid
	}

	go a.pollBoot(ctx)

	return VmResult{Record: a.record.Snapshot()}
}

// pollBoot polls Vmm.Ping until it succeeds or BootTimeout elapses (spec
// §4.6: "Booting -> Running is driven by Vmm.ping succeeding within a 10s
// window after boot").
func (a *vmActor) pollBoot(ctx context.Context) {
	deadline := time.Now().Add(defaults.BootTimeout)

	for time.Now().Before(deadline) {
		if _, err := a.vmm.Ping(ctx, a.id); err == nil {
			select {
			case a.bootPollCh <- bootPollResult{ok: true}:
			case <-ctx.Done():
			}

			return
		}

		select {
		case <-time.After(defaults.SocketPollInterval):
		case <-ctx.Done():
			return
		}
	}

	select {
	case a.bootPollCh <- bootPollResult{ok: false}:
	case <-ctx.Done():
	}
}

func (a *vmActor) onBootPoll(ctx context.Context, poll bootPollResult) {
	if a.record.State != models.VmBooting {
		return
	}

	if poll.ok {
		a.record.State = models.VmRunning
		a.publish(ctx, models.Event{Kind: models.EventVmBooted, WorkloadID: a.id})

		if a.pendingShutdown {
			a.pendingShutdown = false

			if err := a.vmm.Shutdown(ctx, a.id); err != nil {
				a.logger.WithError(err).Warn("applying shutdown queued during boot")

				return
			}

			a.record.State = models.VmStopping
		}

		return
	}

	a.record.State = models.VmFailed
	a.record.FailedReason = models.ReasonBootTimeout
	a.record.PID = nil
	a.publish(ctx, models.Event{Kind: models.EventVmFailed, WorkloadID: a.id, Reason: models.ReasonBootTimeout})
}

func (a *vmActor) doPause(ctx context.Context) VmResult {
	if a.record.State != models.VmRunning {
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.vmm.Pause(ctx, a.id); err != nil {
		return VmResult{Err: err}
	}

	a.record.State = models.VmPaused

	return VmResult{Record: a.record.Snapshot()}
}

func (a *vmActor) doResume(ctx context.Context) VmResult {
	if a.record.State != models.VmPaused {
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.vmm.Resume(ctx, a.id); err != nil {
		return VmResult{Err: err}
	}

	a.record.State = models.VmRunning

	return VmResult{Record: a.record.Snapshot()}
}

// doShutdown implements the state table's Shutdown column (spec §4.6):
// Running/Paused shut down immediately; Booting queues the shutdown until
// the boot poll reaches Running, rather than racing vm.shutdown against a
// guest that hasn't finished booting.
func (a *vmActor) doShutdown(ctx context.Context) VmResult {
	switch a.record.State {
	case models.VmBooting:
		a.pendingShutdown = true

		return VmResult{Record: a.record.Snapshot()}

	case models.VmRunning, models.VmPaused:
	default:
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.vmm.Shutdown(ctx, a.id); err != nil {
		return VmResult{Err: err}
	}

	a.record.State = models.VmStopping

	return VmResult{Record: a.record.Snapshot()}
}

// doDelete implements the state table's Delete column (spec §4.6): every
// state it accepts tears down immediately, including Booting — unlike
// Shutdown, Delete never waits for the boot poll. doCreate already spawned
// the Cloud-Hypervisor child and registered it with Vmm before the record
// ever left Created, so Vmm.Delete runs unconditionally to satisfy P2 (no
// leaked process or socket files) regardless of which of these states the
// record is in. Running, Paused and Stopping are rejected with InvalidState;
// a Delete issued while Stopping is not held until the record reaches
// Stopped.
func (a *vmActor) doDelete(ctx context.Context) VmResult {
	switch a.record.State {
	case models.VmCreated, models.VmBooting, models.VmStopped, models.VmFailed:
	default:
		return VmResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.vmm.Delete(ctx, a.id); err != nil {
		return VmResult{Err: err}
	}

	a.record.PID = nil
	a.record.APISocket = ""
	a.record.ConsoleSocket = ""

	a.publish(ctx, models.Event{Kind: models.EventVmDeleted, WorkloadID: a.id})

	return VmResult{Record: a.record.Snapshot()}
}

func (a *vmActor) doPing(ctx context.Context) VmResult {
	build, err := a.vmm.Ping(ctx, a.id)
	if err != nil {
		return VmResult{Err: err}
	}

	return VmResult{Record: a.record.Snapshot(), PingInfo: build}
}

func (a *vmActor) doAttachDisk(ctx context.Context, cmd VmCommand) VmResult {
	diskID, err := a.vmm.AddDisk(ctx, a.id, cmd.DiskPath, cmd.ReadOnly)
	if err != nil {
		return VmResult{Err: err}
	}

	a.record.Disks = append(a.record.Disks, models.DiskAttachment{Path: cmd.DiskPath, ReadOnly: cmd.ReadOnly})

	return VmResult{Record: a.record.Snapshot(), DiskID: diskID}
}

func (a *vmActor) doRemoveDisk(ctx context.Context, cmd VmCommand) VmResult {
	if err := a.vmm.RemoveDisk(ctx, a.id, cmd.DiskID); err != nil {
		return VmResult{Err: err}
	}

	return VmResult{Record: a.record.Snapshot()}
}

// onExit handles a vmm.ExitNotifier callback delivered via exitCh (spec
// §4.1 child-reaper, §4.6 Stopping -> Stopped / Failed transition).
func (a *vmActor) onExit(ctx context.Context, report vmExitReport) {
	a.record.PID = nil

	if a.record.State == models.VmStopping {
		a.record.State = models.VmStopped
		a.publish(ctx, models.Event{Kind: models.EventVmStopped, WorkloadID: a.id, ExitCode: report.exitCode})

		return
	}

	if report.failed {
		a.record.State = models.VmFailed
		a.record.FailedReason = models.ReasonInternal
		a.publish(ctx, models.Event{Kind: models.EventVmFailed, WorkloadID: a.id, Reason: models.ReasonInternal})

		return
	}

	a.record.State = models.VmStopped
	a.publish(ctx, models.Event{Kind: models.EventVmStopped, WorkloadID: a.id, ExitCode: report.exitCode})
}

// publish fans an event out to every subscriber registered since
// subscription, dropping (not blocking on) a subscriber whose mailbox is
// full (spec §4.6, "Event publication").
func (a *vmActor) publish(ctx context.Context, evt models.Event) {
	for seq, sub := range a.subs {
		select {
		case sub <- evt:
		default:
			a.logger.Warn("dropping slow event subscriber")
			close(sub)
			delete(a.subs, seq)
		}
	}

	if a.onEvent != nil {
		a.onEvent(evt)
	}
}
