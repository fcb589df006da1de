package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	g "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"feos/pkg/ids"
	"feos/pkg/models"
	"feos/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()

	s, err := store.Open("sqlite:" + filepath.Join(dir, "vms.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestUpsertAndLoadAll(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	id := ids.NewWorkloadId()
	record := &models.VmRecord{ID: id, CPU: 2, MemoryBytes: 1 << 30, ImageID: "img", State: models.VmRunning}

	g.Expect(s.Upsert(context.Background(), id, record)).To(g.Succeed())

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).To(g.HaveKey(id))
	g.Expect(loaded[id].CPU).To(g.Equal(uint32(2)))
	g.Expect(loaded[id].State).To(g.Equal(models.VmRunning))
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	id := ids.NewWorkloadId()

	g.Expect(s.Upsert(context.Background(), id, &models.VmRecord{ID: id, State: models.VmCreated})).To(g.Succeed())
	g.Expect(s.Upsert(context.Background(), id, &models.VmRecord{ID: id, State: models.VmRunning})).To(g.Succeed())

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).To(g.HaveLen(1))
	g.Expect(loaded[id].State).To(g.Equal(models.VmRunning))
}

func TestRemove(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	id := ids.NewWorkloadId()
	g.Expect(s.Upsert(context.Background(), id, &models.VmRecord{ID: id})).To(g.Succeed())
	g.Expect(s.Remove(context.Background(), id)).To(g.Succeed())

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).To(g.BeEmpty())
}

func TestRemoveUnknownIdIsNotAnError(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	g.Expect(s.Remove(context.Background(), ids.NewWorkloadId())).To(g.Succeed())
}

// fakeDispatcher satisfies the recordGetter interface Run needs, without
// pulling in pkg/dispatcher.
type fakeDispatcher struct {
	records map[ids.WorkloadId]*models.VmRecord
}

func (f *fakeDispatcher) GetVmRecord(_ context.Context, id ids.WorkloadId) (*models.VmRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, os.ErrNotExist
	}

	return r, nil
}

func TestRunUpsertsOnLifecycleEvents(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	id := ids.NewWorkloadId()
	record := &models.VmRecord{ID: id, State: models.VmRunning}
	disp := &fakeDispatcher{records: map[ids.WorkloadId]*models.VmRecord{id: record}}

	sub := make(chan models.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx, sub, disp, logrus.StandardLogger())
		close(done)
	}()

	sub <- models.Event{Kind: models.EventVmBooted, WorkloadID: id}
	close(sub)
	<-done
	cancel()

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).To(g.HaveKey(id))
	g.Expect(loaded[id].State).To(g.Equal(models.VmRunning))
}

func TestRunRemovesRowOnDeleteEvent(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	id := ids.NewWorkloadId()
	g.Expect(s.Upsert(context.Background(), id, &models.VmRecord{ID: id})).To(g.Succeed())

	disp := &fakeDispatcher{records: map[ids.WorkloadId]*models.VmRecord{}}
	sub := make(chan models.Event, 1)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), sub, disp, logrus.StandardLogger())
		close(done)
	}()

	sub <- models.Event{Kind: models.EventVmDeleted, WorkloadID: id}
	close(sub)
	<-done

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).NotTo(g.HaveKey(id))
}

func TestRunIgnoresContainerEvents(t *testing.T) {
	g.RegisterTestingT(t)

	s := openTestStore(t)

	disp := &fakeDispatcher{records: map[ids.WorkloadId]*models.VmRecord{}}
	sub := make(chan models.Event, 1)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), sub, disp, logrus.StandardLogger())
		close(done)
	}()

	sub <- models.Event{Kind: models.EventContainerStarted, WorkloadID: ids.NewWorkloadId()}
	close(sub)
	<-done

	loaded, err := s.LoadAll(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(loaded).To(g.BeEmpty())
}
