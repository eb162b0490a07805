package signaling

import (
	"context"
	"sync"
)

// Handler processes one inbound message. Handlers for a channel are invoked
// sequentially, in arrival order.
type Handler func(Message)

// Channel is the bidirectional relay the call layer talks through.
type Channel interface {
	// Send delivers msg to msg.Head().To via the relay.
	Send(ctx context.Context, msg Message) error

	// On registers fn for inbound messages of kind ev.
	On(ev Event, fn Handler)
}

// Handlers is a concurrency-safe event → handler registry that Channel
// implementations can embed.
type Handlers struct {
	mu sync.RWMutex
	m  map[Event][]Handler
}

func (h *Handlers) On(ev Event, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[Event][]Handler)
	}
	h.m[ev] = append(h.m[ev], fn)
}

// Dispatch calls every handler registered for msg's event and reports
// whether there was any.
func (h *Handlers) Dispatch(msg Message) bool {
	h.mu.RLock()
	fns := h.m[msg.Event()]
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
	return len(fns) > 0
}
