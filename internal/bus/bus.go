// Package bus is the in-process event fan-out between the pipeline,
// monitoring, and the streaming gateway. Subscribers are connection-scoped;
// events carry a target session or broadcast to everyone.
package bus

import (
	"sync"

	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Event is one server-originated frame. Session narrows delivery to
// subscribers interested in that session; empty means broadcast.
type Event struct {
	Session string
	Frame   *protocol.Frame
}

// Handler receives events. Handlers must not block; slow consumers should
// buffer internally and drop.
type Handler func(Event)

// Publisher abstracts event broadcast and subscription so the pipeline and
// alert engine stay decoupled from the gateway.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the default in-process Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber synchronously, in
// unspecified order.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
