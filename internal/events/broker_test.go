package events

import (
	"testing"

	"medflow/internal/domain"
)

func TestSubscribeReceivesOnlyOwnRequest(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	b.Publish(domain.TransportRequest{ID: "req-2", Status: domain.StatusNew})
	b.Publish(domain.TransportRequest{ID: "req-1", Status: domain.StatusOpsAvailable})

	got := <-ch
	if got.ID != "req-1" || got.Status != domain.StatusOpsAvailable {
		t.Fatalf("got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra update: %+v", extra)
	default:
	}
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(AllRequests)
	defer cancel()

	b.Publish(domain.TransportRequest{ID: "req-1"})
	b.Publish(domain.TransportRequest{ID: "req-2"})

	first, second := <-ch, <-ch
	if first.ID != "req-1" || second.ID != "req-2" {
		t.Fatalf("got %s then %s", first.ID, second.ID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("req-1")
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after cancel")
	}
	// Publishing after cancel must not panic or deliver.
	b.Publish(domain.TransportRequest{ID: "req-1"})
	// A second cancel is a no-op.
	cancel()
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("req-1")
	defer cancel()
	// Overfill the subscriber buffer; extra updates are dropped, not queued.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(domain.TransportRequest{ID: "req-1"})
	}
}
