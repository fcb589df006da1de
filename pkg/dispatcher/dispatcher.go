package dispatcher

import (
	"context"
	"sync"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/models"
)

// Dispatcher owns every workload actor on the node and is the only thing
// that talks to pkg/vmm and pkg/runc directly (spec §4.6). It implements
// both backends' ExitNotifier interfaces, routing reaped-child
// notifications to the right actor's internal channel. vmm/runc are kept as
// the narrow vmmBackend/runcBackend interfaces rather than concrete
// *vmm.Service/*runc.Service so tests can drive the actor state machine
// against a fake backend instead of spawning real processes.
type Dispatcher struct {
	vmm  vmmBackend
	runc runcBackend

	mu         sync.Mutex
	vmActors   map[ids.WorkloadId]*vmActor
	ctrActors  map[ids.ContainerId]*containerActor
	runCtx     context.Context
	cancelFunc context.CancelFunc

	broadcastMu   sync.Mutex
	broadcastSeq  int
	broadcastSubs map[int]chan models.Event
}

// New constructs a Dispatcher bound to the given backends.
func New(vmmSvc vmmBackend, runcSvc runcBackend) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		vmm:           vmmSvc,
		runc:          runcSvc,
		vmActors:      make(map[ids.WorkloadId]*vmActor),
		ctrActors:     make(map[ids.ContainerId]*containerActor),
		runCtx:        ctx,
		cancelFunc:    cancel,
		broadcastSubs: make(map[int]chan models.Event),
	}
}

// Subscribe registers a dispatcher-wide event feed: every VM and container
// event, across every workload this dispatcher ever owns, past or future
// (spec §4.6, the optional persistence writer's source). A slow subscriber
// is dropped rather than allowed to stall event publication.
func (d *Dispatcher) Subscribe() <-chan models.Event {
	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()

	ch := make(chan models.Event, defaults.EventMailboxCapacity)
	d.broadcastSeq++
	d.broadcastSubs[d.broadcastSeq] = ch

	return ch
}

func (d *Dispatcher) broadcast(evt models.Event) {
	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()

	for seq, sub := range d.broadcastSubs {
		select {
		case sub <- evt:
		default:
			close(sub)
			delete(d.broadcastSubs, seq)
		}
	}
}

// Close cancels the context every actor goroutine runs under: actor loops
// stop taking commands, boot polls stop, and backend calls made with that
// context, including any already in flight, see it cancelled.
func (d *Dispatcher) Close() {
	d.cancelFunc()
}

func (d *Dispatcher) vmActor(id ids.WorkloadId, create bool) (*vmActor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.vmActors[id]
	if !ok && create {
		a = newVMActor(d.runCtx, id, d.vmm, d.broadcast)
		d.vmActors[id] = a

		go a.run(d.runCtx)
	}

	return a, ok || create
}

func (d *Dispatcher) containerActor(id ids.ContainerId, create bool) (*containerActor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.ctrActors[id]
	if !ok && create {
		a = newContainerActor(d.runCtx, id, d.runc, d.broadcast)
		d.ctrActors[id] = a

		go a.run(d.runCtx)
	}

	return a, ok || create
}

// SubmitVm creates a new VM actor on the first CreateVm command for id, or
// routes the command to the existing one.
func (d *Dispatcher) SubmitVm(ctx context.Context, id ids.WorkloadId, cmd VmCommand) VmResult {
	if cmd.Reply == nil {
		cmd.Reply = make(chan VmResult, 1)
	}

	a, exists := d.vmActor(id, cmd.Kind == VmCmdCreate)
	if !exists {
		return VmResult{Err: feoserrors.NotFoundf("vm %s not found", id.String())}
	}

	a.submit(cmd)

	select {
	case res := <-cmd.Reply:
		return res
	case <-ctx.Done():
		return VmResult{Err: ctx.Err()}
	}
}

// SubmitContainer creates a new container actor on the first
// CreateContainer command for id, or routes the command to the existing
// one.
func (d *Dispatcher) SubmitContainer(ctx context.Context, id ids.ContainerId, cmd ContainerCommand) ContainerResult {
	if cmd.Reply == nil {
		cmd.Reply = make(chan ContainerResult, 1)
	}

	a, exists := d.containerActor(id, cmd.Kind == ContainerCmdCreate)
	if !exists {
		return ContainerResult{Err: feoserrors.NotFoundf("container %s not found", id.String())}
	}

	a.submit(cmd)

	select {
	case res := <-cmd.Reply:
		return res
	case <-ctx.Done():
		return ContainerResult{Err: ctx.Err()}
	}
}

// Restore seeds a vmActor from a persisted record instead of running it
// through doCreate (spec §6: on startup "the dispatcher pool re-populates
// in-memory records from the table but does not resume any running
// process"). It pings Vmm for id before starting the actor; Vmm has no
// registered process for a restored id until/unless one is spawned again,
// so a non-responsive ping demotes the record to Failed right away, as the
// spec requires. Restore is a no-op if id is already known.
func (d *Dispatcher) Restore(ctx context.Context, id ids.WorkloadId, record *models.VmRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.vmActors[id]; exists {
		return
	}

	seeded := record.Snapshot()

	if _, err := d.vmm.Ping(ctx, id); err != nil {
		seeded.State = models.VmFailed
		seeded.FailedReason = models.ReasonInternal
	}

	a := newVMActor(d.runCtx, id, d.vmm, d.broadcast)
	a.record = seeded
	d.vmActors[id] = a

	go a.run(d.runCtx)
}

// GetVmRecord returns a snapshot of id's current record, for pkg/store's
// persistence writer (spec §4.6).
func (d *Dispatcher) GetVmRecord(ctx context.Context, id ids.WorkloadId) (*models.VmRecord, error) {
	res := d.SubmitVm(ctx, id, VmCommand{Kind: VmCmdGet})
	if res.Err != nil {
		return nil, res.Err
	}

	return res.Record, nil
}

// NotifyExit implements vmm.ExitNotifier.
func (d *Dispatcher) NotifyExit(ctx context.Context, id ids.WorkloadId, exitCode int, failed bool, detail string) {
	a, ok := d.vmActor(id, false)
	if !ok {
		return
	}

	select {
	case a.exitCh <- vmExitReport{exitCode: exitCode, failed: failed, detail: detail}:
	case <-ctx.Done():
	}
}

// NotifyContainerExit implements runc.ExitNotifier.
func (d *Dispatcher) NotifyContainerExit(ctx context.Context, id ids.ContainerId, exitCode int, failed bool) {
	a, ok := d.containerActor(id, false)
	if !ok {
		return
	}

	select {
	case a.exitCh <- containerExitReport{exitCode: exitCode, failed: failed}:
	case <-ctx.Done():
	}
}

// ensure Dispatcher satisfies both backends' notifier interfaces at
// compile time.
var (
	_ interface {
		NotifyExit(ctx context.Context, id ids.WorkloadId, exitCode int, failed bool, detail string)
	} = (*Dispatcher)(nil)
	_ interface {
		NotifyContainerExit(ctx context.Context, id ids.ContainerId, exitCode int, failed bool)
	} = (*Dispatcher)(nil)
)
