// ws/hub.go
package ws

import (
	"context"
	"sync"
)

// Hub tracks open editing connections per owner so the server can report
// them and close them all on shutdown.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*Conn]struct{})}
}

// Register adds c. It reports false once the hub is shutting down.
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.conns[c.ownerID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.ownerID] = set
	}
	set[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.ownerID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.ownerID)
	}
	h.wg.Done()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (h *Hub) CountFor(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[ownerID])
}

// Shutdown refuses new connections, closes the open ones and waits for
// their pending saves to flush or for ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
