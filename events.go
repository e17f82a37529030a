package mcp

import (
	"encoding/json"
	"sync"
)

type listenerEntry struct {
	fn   Listener
	once bool
}

// listenerRegistry maps an event name to its listeners in registration order.
type listenerRegistry struct {
	mu      sync.Mutex
	byEvent map[string][]*listenerEntry
}

func (r *listenerRegistry) add(event string, fn Listener, once bool) func() {
	entry := &listenerEntry{fn: fn, once: once}

	r.mu.Lock()
	if r.byEvent == nil {
		r.byEvent = make(map[string][]*listenerEntry)
	}
	r.byEvent[event] = append(r.byEvent[event], entry)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.remove(event, entry)
	}
}

// remove must be called with mu held.
func (r *listenerRegistry) remove(event string, entry *listenerEntry) {
	entries := r.byEvent[event]
	for i, e := range entries {
		if e != entry {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		break
	}
	if len(entries) == 0 {
		delete(r.byEvent, event)
		return
	}
	r.byEvent[event] = entries
}

// emit calls every listener of event with params, outside the lock, and reports how many
// were called.
func (r *listenerRegistry) emit(event string, params json.RawMessage) int {
	r.mu.Lock()
	entries := append([]*listenerEntry(nil), r.byEvent[event]...)
	for _, e := range entries {
		if e.once {
			r.remove(event, e)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.fn(params)
	}
	return len(entries)
}
