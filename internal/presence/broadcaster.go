package presence

import (
	"context"
	"sync"
	"time"
)

// Event kinds fanned out to a room's connected replicas.
const (
	EventPeerJoined = "peer-joined"
	EventPeerLeft   = "peer-left"
	EventCursor     = "cursor"
	EventTyping     = "typing"
	EventDocUpdate  = "doc-update"
)

const defaultBufferSize = 16

// Event is an ephemeral presence notification. Events carry no durability:
// a missed cursor update is superseded by the next one.
type Event struct {
	RoomID        string
	Kind          string
	PrincipalID   string
	DisplayName   string
	Payload       map[string]any
	ExcludeOrigin bool
	Timestamp     time.Time
}

// Broadcaster is a per-room publish/subscribe fan-out. Delivery is
// best-effort: a slow subscriber's queue is capped and overflow drops the
// oldest event first rather than blocking the publisher.
type Broadcaster struct {
	mu         sync.RWMutex
	rooms      map[string]map[int64]*subscriber
	nextID     int64
	bufferSize int
}

type subscriber struct {
	id           int64
	connectionID string
	stream       chan Event
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms:      make(map[string]map[int64]*subscriber),
		bufferSize: defaultBufferSize,
	}
}

// Subscribe registers a connection for the room's events and returns the
// event stream plus a cleanup function. The subscription is also torn down
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, roomID, connectionID string) (<-chan Event, func()) {
	if roomID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:           b.nextSequence(),
		connectionID: connectionID,
		stream:       make(chan Event, b.bufferSize),
	}
	b.register(roomID, sub)
	cleanup := func() {
		b.unregister(roomID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of the room. When the
// event requests it, the originating connection is skipped.
func (b *Broadcaster) Publish(roomID string, originConnectionID string, event Event) {
	if roomID == "" || event.Kind == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.rooms[roomID]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()

	for _, sub := range copies {
		if event.ExcludeOrigin && sub.connectionID == originConnectionID {
			continue
		}
		select {
		case sub.stream <- event:
		default:
			// Full buffer: drop the oldest queued event, then enqueue.
			select {
			case <-sub.stream:
			default:
			}
			select {
			case sub.stream <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports how many connections are subscribed to the room.
func (b *Broadcaster) SubscriberCount(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}

func (b *Broadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broadcaster) register(roomID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[roomID]; !ok {
		b.rooms[roomID] = make(map[int64]*subscriber)
	}
	b.rooms[roomID][sub.id] = sub
}

func (b *Broadcaster) unregister(roomID string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.rooms[roomID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.rooms, roomID)
		}
	}
	b.mu.Unlock()
}
