package notify

import (
	"sync"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// Hub is an in-process fan-out for notifications. Subscribers with a full
// channel miss the notification; the hub never blocks a broadcaster.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan session.Notification
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan session.Notification)}
}

// Subscribe returns a buffered channel of notifications and a cancel func.
// Cancel closes the channel and detaches the subscriber.
func (h *Hub) Subscribe(buffer int) (<-chan session.Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan session.Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Broadcast(n session.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
