package events

import (
	"sync"

	"medflow/internal/domain"
)

// Broker fans committed request snapshots out to in-process subscribers. The
// engine publishes after its store write commits, so subscribers only ever see
// persisted states. Publishing never blocks: a subscriber that stopped
// draining its channel is skipped for that update.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan domain.TransportRequest
}

const subscriberBuffer = 16

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[int]chan domain.TransportRequest{}}
}

// The empty request id subscribes to every request (the list view).
const AllRequests = ""

// Subscribe registers for change snapshots of one request (or all, with
// AllRequests). The returned cancel func must be called when the subscription
// is no longer needed; it is the only teardown discipline required.
func (b *Broker) Subscribe(requestID string) (<-chan domain.TransportRequest, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan domain.TransportRequest, subscriberBuffer)
	if b.subs[requestID] == nil {
		b.subs[requestID] = map[int]chan domain.TransportRequest{}
	}
	b.subs[requestID][id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[requestID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, requestID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers a committed snapshot to the request's subscribers and to
// the all-requests subscribers.
func (b *Broker) Publish(req domain.TransportRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[req.ID] {
		select {
		case ch <- req:
		default:
		}
	}
	if req.ID != AllRequests {
		for _, ch := range b.subs[AllRequests] {
			select {
			case ch <- req:
			default:
			}
		}
	}
}
