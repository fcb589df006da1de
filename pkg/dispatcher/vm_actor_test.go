package dispatcher

import (
	"context"
	"testing"

	g "github.com/onsi/gomega"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/models"
)

func newTestVMActor(vmm *fakeVmm) *vmActor {
	return newVMActor(context.Background(), ids.NewWorkloadId(), vmm, nil)
}

func createAndStart(gom *g.WithT, a *vmActor, vmm *fakeVmm) {
	res := a.doCreate(context.Background(), VmCommand{CPU: 2, MemoryBytes: 256 * 1024 * 1024, ImageID: "img"})
	gom.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doStart(context.Background())
	gom.Expect(res.Err).NotTo(g.HaveOccurred())
}

func TestDoCreatePopulatesSocketsButNotPID(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)

	res := a.doCreate(context.Background(), VmCommand{CPU: 1, MemoryBytes: 256 * 1024 * 1024, ImageID: "img"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	gg.Expect(a.record.State).To(g.Equal(models.VmCreated))
	gg.Expect(a.record.PID).To(g.BeNil())
	gg.Expect(a.record.APISocket).To(g.Equal(vmm.apiSocket))
	gg.Expect(a.record.ConsoleSocket).To(g.Equal(vmm.consoleSocket))
}

func TestDoStartSetsPIDAndTransitionsToBooting(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)

	gg.Expect(a.record.State).To(g.Equal(models.VmBooting))
	gg.Expect(a.record.PID).NotTo(g.BeNil())
	gg.Expect(*a.record.PID).To(g.Equal(vmm.pid))
}

func TestOnBootPollSuccessTransitionsToRunning(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)

	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	gg.Expect(a.record.State).To(g.Equal(models.VmRunning))
	gg.Expect(a.record.PID).NotTo(g.BeNil())
}

func TestOnBootPollTimeoutFailsAndClearsPID(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)

	a.onBootPoll(context.Background(), bootPollResult{ok: false})

	gg.Expect(a.record.State).To(g.Equal(models.VmFailed))
	gg.Expect(a.record.FailedReason).To(g.Equal(models.ReasonBootTimeout))
	gg.Expect(a.record.PID).To(g.BeNil())
}

func TestDoShutdownFromRunningStopsImmediately(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)
	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	res := a.doShutdown(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.VmStopping))
	gg.Expect(vmm.callCount("Shutdown")).To(g.Equal(1))
}

// TestDoShutdownFromBootingIsQueuedUntilRunning pins the state table in
// spec §4.6: Shutdown issued while Booting must not reach Vmm immediately,
// only once the boot poll transitions the record to Running.
func TestDoShutdownFromBootingIsQueuedUntilRunning(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)

	res := a.doShutdown(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.VmBooting))
	gg.Expect(vmm.callCount("Shutdown")).To(g.Equal(0))

	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	gg.Expect(a.record.State).To(g.Equal(models.VmStopping))
	gg.Expect(vmm.callCount("Shutdown")).To(g.Equal(1))
}

// TestDoDeleteFromBootingTearsDownImmediately pins the other half of the
// same state-table row: unlike Shutdown, Delete from Booting is immediate,
// not queued.
func TestDoDeleteFromBootingTearsDownImmediately(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)

	res := a.doDelete(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(vmm.callCount("Delete")).To(g.Equal(1))
	gg.Expect(a.record.PID).To(g.BeNil())
}

// TestDoDeleteFromCreatedCallsVmmDelete is a regression test for the leak
// where deleting a never-started VM skipped Vmm.Delete entirely, leaving
// the spawned Cloud-Hypervisor child and its socket files behind (P2).
func TestDoDeleteFromCreatedCallsVmmDelete(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)

	res := a.doCreate(context.Background(), VmCommand{CPU: 1, MemoryBytes: 256 * 1024 * 1024, ImageID: "img"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doDelete(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	gg.Expect(vmm.callCount("Delete")).To(g.Equal(1))
	gg.Expect(a.record.APISocket).To(g.BeEmpty())
	gg.Expect(a.record.ConsoleSocket).To(g.BeEmpty())
}

func TestDoDeleteFromRunningIsInvalidState(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)
	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	res := a.doDelete(context.Background())
	gg.Expect(res.Err).To(g.Equal(feoserrors.ErrInvalidState))
	gg.Expect(vmm.callCount("Delete")).To(g.Equal(0))
}

func TestOnExitClearsPIDAndTransitionsToStopped(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)
	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	res := a.doShutdown(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.VmStopping))

	a.onExit(context.Background(), vmExitReport{exitCode: 0, failed: false})

	gg.Expect(a.record.State).To(g.Equal(models.VmStopped))
	gg.Expect(a.record.PID).To(g.BeNil())
}

func TestOnExitUnexpectedDeathTransitionsToFailed(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)
	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	a.onExit(context.Background(), vmExitReport{exitCode: 255, failed: true})

	gg.Expect(a.record.State).To(g.Equal(models.VmFailed))
	gg.Expect(a.record.FailedReason).To(g.Equal(models.ReasonInternal))
	gg.Expect(a.record.PID).To(g.BeNil())
}

func TestDoPauseAndResume(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)
	createAndStart(gg, a, vmm)
	a.onBootPoll(context.Background(), bootPollResult{ok: true})

	res := a.doPause(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.VmPaused))

	res = a.doResume(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.VmRunning))
}

func TestDoCreateRejectsSecondCreate(t *testing.T) {
	gg := g.NewWithT(t)

	vmm := newFakeVmm()
	a := newTestVMActor(vmm)

	res := a.doCreate(context.Background(), VmCommand{CPU: 1, MemoryBytes: 256 * 1024 * 1024, ImageID: "img"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doCreate(context.Background(), VmCommand{CPU: 1, MemoryBytes: 256 * 1024 * 1024, ImageID: "img"})
	gg.Expect(res.Err).To(g.Equal(feoserrors.ErrInvalidState))
}
