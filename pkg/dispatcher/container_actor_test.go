package dispatcher

import (
	"context"
	"testing"

	g "github.com/onsi/gomega"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/models"
)

func newTestContainerActor(runc *fakeRunc) *containerActor {
	return newContainerActor(context.Background(), ids.NewContainerId(), runc, nil)
}

func TestContainerDoCreateSetsPIDAndBundle(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	res := a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one", Image: "busybox"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	gg.Expect(a.record.State).To(g.Equal(models.ContainerCreated))
	gg.Expect(a.record.BundlePath).To(g.Equal("/bundles/one"))
	gg.Expect(a.record.PID).NotTo(g.BeNil())
	gg.Expect(*a.record.PID).To(g.Equal(runc.pid))
}

func TestContainerDoStartTransitionsToRunning(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	res := a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doStart(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.ContainerRunning))
	gg.Expect(runc.callCount("Start")).To(g.Equal(1))

	// A second Create is rejected once the record has left Created/never
	// empty BundlePath.
	res = a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"})
	gg.Expect(res.Err).To(g.Equal(feoserrors.ErrInvalidState))
}

func TestContainerDoKillRequiresRunning(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	res := a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doKill(context.Background(), ContainerCommand{Signal: "SIGTERM"})
	gg.Expect(res.Err).To(g.Equal(feoserrors.ErrInvalidState))
	gg.Expect(runc.callCount("Kill")).To(g.Equal(0))

	res = a.doStart(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(a.record.State).To(g.Equal(models.ContainerRunning))

	res = a.doKill(context.Background(), ContainerCommand{Signal: "SIGTERM"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(runc.callCount("Kill")).To(g.Equal(1))
}

func TestContainerDoDeleteFromCreatedCallsRuncDelete(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	res := a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doDelete(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(runc.callCount("Delete")).To(g.Equal(1))
}

func TestContainerDoDeleteFromRunningIsInvalidState(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	res := a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"})
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doStart(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())

	res = a.doDelete(context.Background())
	gg.Expect(res.Err).To(g.Equal(feoserrors.ErrInvalidState))
	gg.Expect(runc.callCount("Delete")).To(g.Equal(0))
}

func TestContainerOnExitCleanStop(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	gg.Expect(a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"}).Err).NotTo(g.HaveOccurred())
	gg.Expect(a.doStart(context.Background()).Err).NotTo(g.HaveOccurred())

	a.onExit(context.Background(), containerExitReport{exitCode: 0, failed: false})

	gg.Expect(a.record.State).To(g.Equal(models.ContainerExited))
	gg.Expect(*a.record.ExitCode).To(g.Equal(0))
}

func TestContainerOnExitFailure(t *testing.T) {
	gg := g.NewWithT(t)

	runc := newFakeRunc()
	a := newTestContainerActor(runc)

	gg.Expect(a.doCreate(context.Background(), ContainerCommand{BundlePath: "/bundles/one"}).Err).NotTo(g.HaveOccurred())
	gg.Expect(a.doStart(context.Background()).Err).NotTo(g.HaveOccurred())

	a.onExit(context.Background(), containerExitReport{exitCode: 137, failed: true})

	gg.Expect(a.record.State).To(g.Equal(models.ContainerFailed))
	gg.Expect(a.record.FailedReason).To(g.Equal(models.ReasonInternal))
	gg.Expect(*a.record.ExitCode).To(g.Equal(137))

	res := a.doDelete(context.Background())
	gg.Expect(res.Err).NotTo(g.HaveOccurred())
	gg.Expect(runc.callCount("Delete")).To(g.Equal(1))
}
