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

// containerExitReport threads a runc reaper notification back into the
// owning actor.
type containerExitReport struct {
	exitCode int
	failed   bool
}

// containerActor is the single owning goroutine for one container's
// lifecycle (spec §4.6, "Shape").
type containerActor struct {
	id   ids.ContainerId
	runc runcBackend

	lifecycleCh chan ContainerCommand
	infoCh      chan ContainerCommand
	exitCh      chan containerExitReport

	record *models.ContainerRecord

	subs   map[int]chan models.Event
	subSeq int

	onEvent func(models.Event)

	logger logrus.FieldLogger

	pid int
}

func newContainerActor(ctx context.Context, id ids.ContainerId, runcSvc runcBackend, onEvent func(models.Event)) *containerActor {
	return &containerActor{
		id:          id,
		runc:        runcSvc,
		lifecycleCh: make(chan ContainerCommand, defaults.CommandChannelCapacity),
		infoCh:      make(chan ContainerCommand, defaults.CommandChannelCapacity),
		exitCh:      make(chan containerExitReport, 1),
		record:      &models.ContainerRecord{ID: id, State: models.ContainerCreated},
		subs:        make(map[int]chan models.Event),
		onEvent:     onEvent,
		logger:      log.GetLogger(ctx).WithFields(logrus.Fields{"service": "dispatcher", "container_id": id.String()}),
	}
}

func (a *containerActor) run(ctx context.Context) {
	for {
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
		}
	}
}

func (a *containerActor) submit(cmd ContainerCommand) {
	ch := a.infoCh
	if cmd.Kind.isLifecycle() {
		ch = a.lifecycleCh
	}

	select {
	case ch <- cmd:
	case <-time.After(defaults.CommandSendTimeout):
		cmd.Reply <- ContainerResult{Err: feoserrors.ErrBusy}
	}
}

func (a *containerActor) handle(ctx context.Context, cmd ContainerCommand) {
	switch cmd.Kind {
	case ContainerCmdCreate:
		cmd.Reply <- a.doCreate(ctx, cmd)
	case ContainerCmdStart:
		cmd.Reply <- a.doStart(ctx)
	case ContainerCmdKill:
		cmd.Reply <- a.doKill(ctx, cmd)
	case ContainerCmdDelete:
		cmd.Reply <- a.doDelete(ctx)
	case ContainerCmdGet:
		cmd.Reply <- ContainerResult{Record: a.record.Snapshot()}
	case ContainerCmdStreamEvents:
		a.subSeq++
		a.subs[a.subSeq] = cmd.EventSub
		cmd.Reply <- ContainerResult{Record: a.record.Snapshot()}
	}
}

func (a *containerActor) doCreate(ctx context.Context, cmd ContainerCommand) ContainerResult {
	if a.record.State != models.ContainerCreated || a.record.BundlePath != "" {
		return ContainerResult{Err: feoserrors.ErrInvalidState}
	}

	pid, err := a.runc.Create(ctx, a.id, cmd.BundlePath)
	if err != nil {
		return ContainerResult{Err: err}
	}

	a.pid = pid
	a.record.BundlePath = cmd.BundlePath
	a.record.Image = cmd.Image
	a.record.Command = cmd.Command
	a.record.PID = &pid

	a.publish(ctx, models.Event{Kind: models.EventContainerCreated, WorkloadID: idAsWorkload(a.id), PID: pid})

	return ContainerResult{Record: a.record.Snapshot()}
}

func (a *containerActor) doStart(ctx context.Context) ContainerResult {
	if a.record.State != models.ContainerCreated {
		return ContainerResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.runc.Start(ctx, a.id, a.pid); err != nil {
		return ContainerResult{Err: err}
	}

	a.record.State = models.ContainerRunning

	a.publish(ctx, models.Event{Kind: models.EventContainerStarted, WorkloadID: idAsWorkload(a.id)})

	return ContainerResult{Record: a.record.Snapshot()}
}

func (a *containerActor) doKill(ctx context.Context, cmd ContainerCommand) ContainerResult {
	if a.record.State != models.ContainerRunning {
		return ContainerResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.runc.Kill(ctx, a.id, cmd.Signal); err != nil {
		return ContainerResult{Err: err}
	}

	return ContainerResult{Record: a.record.Snapshot()}
}

func (a *containerActor) doDelete(ctx context.Context) ContainerResult {
	switch a.record.State {
	case models.ContainerExited, models.ContainerFailed, models.ContainerCreated:
	default:
		return ContainerResult{Err: feoserrors.ErrInvalidState}
	}

	if err := a.runc.Delete(ctx, a.id); err != nil {
		return ContainerResult{Err: err}
	}

	return ContainerResult{Record: a.record.Snapshot()}
}

func (a *containerActor) onExit(ctx context.Context, report containerExitReport) {
	code := report.exitCode
	a.record.ExitCode = &code

	if report.failed {
		a.record.State = models.ContainerFailed
		a.record.FailedReason = models.ReasonInternal
		a.publish(ctx, models.Event{Kind: models.EventContainerFailed, WorkloadID: idAsWorkload(a.id), ExitCode: code, Reason: models.ReasonInternal})

		return
	}

	a.record.State = models.ContainerExited
	a.publish(ctx, models.Event{Kind: models.EventContainerStopped, WorkloadID: idAsWorkload(a.id), ExitCode: code})
}

func (a *containerActor) publish(ctx context.Context, evt models.Event) {
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

// idAsWorkload lets a ContainerId ride in models.Event.WorkloadID without
// widening Event to a sum type; containers and VMs never share an id space
// in practice (distinct uuid.UUID values), so this is a representational
// convenience, not an identity claim.
func idAsWorkload(id ids.ContainerId) ids.WorkloadId {
	return ids.WorkloadId(id)
}
