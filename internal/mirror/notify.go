package mirror

import (
	"sync"
	"time"
)

type NotificationType string

const (
	NotifySyncFinished      NotificationType = "sync.finished"
	NotifyEventApplied      NotificationType = "event.applied"
	NotifySnapshotCaptured  NotificationType = "snapshot.captured"
	NotifyWritebackFinished NotificationType = "writeback.finished"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Source  string           `json:"source,omitempty"`
	At      time.Time        `json:"at"`
	Payload any              `json:"payload,omitempty"`
}

// Broadcaster fans notifications out to subscribers. Slow subscribers miss
// notifications instead of blocking the engine.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan Notification{}}
}

func (b *Broadcaster) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(n Notification) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
