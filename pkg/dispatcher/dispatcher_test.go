package dispatcher

import (
	"testing"

	g "github.com/onsi/gomega"

	"feos/pkg/ids"
	"feos/pkg/models"
)

func TestSubscribeReceivesBroadcastEvents(t *testing.T) {
	g.RegisterTestingT(t)

	d := New(nil, nil)

	sub := d.Subscribe()

	evt := models.Event{Kind: models.EventVmCreated, WorkloadID: ids.NewWorkloadId()}
	d.broadcast(evt)

	g.Expect(<-sub).To(g.Equal(evt))
}

func TestBroadcastFansOutToEverySubscriber(t *testing.T) {
	g.RegisterTestingT(t)

	d := New(nil, nil)

	subA := d.Subscribe()
	subB := d.Subscribe()

	evt := models.Event{Kind: models.EventVmDeleted, WorkloadID: ids.NewWorkloadId()}
	d.broadcast(evt)

	g.Expect(<-subA).To(g.Equal(evt))
	g.Expect(<-subB).To(g.Equal(evt))
}

func TestBroadcastDropsSlowSubscriberRatherThanBlocking(t *testing.T) {
	g.RegisterTestingT(t)

	d := New(nil, nil)

	sub := d.Subscribe()

	// Fill the subscriber's mailbox past capacity so the next broadcast
	// finds it full.
	for i := 0; i < cap(d.broadcastSubs[d.broadcastSeq])+1; i++ {
		d.broadcast(models.Event{Kind: models.EventVmCreated})
	}

	drained := true
	for drained {
		_, drained = <-sub
	}

	d.broadcastMu.Lock()
	_, stillSubscribed := d.broadcastSubs[1]
	d.broadcastMu.Unlock()

	g.Expect(stillSubscribed).To(g.BeFalse())
}
