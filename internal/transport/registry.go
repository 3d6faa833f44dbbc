package transport

import (
	"sort"
	"sync"
)

// registryEntry is the desired subscription for one topic
type registryEntry struct {
	handler    Handler
	liveID     string
	generation uint64
}

// Registry tracks which topics the application wants to receive, independent
// of whether a broker connection currently exists. Entries are keyed by topic;
// registering a topic again replaces its handler.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	byID    map[string]string // live subscription id -> topic
	nextGen uint64
}

// NewRegistry creates an empty subscription registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		byID:    make(map[string]string),
	}
}

// Register stores handler for topic and returns the registration generation.
// An existing live binding for the topic is preserved so that the broker
// subscription keeps delivering, now to the new handler.
func (r *Registry) Register(topic string, handler Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	if e, ok := r.entries[topic]; ok {
		e.handler = handler
		e.generation = r.nextGen
		return e.generation
	}
	r.entries[topic] = &registryEntry{handler: handler, generation: r.nextGen}
	return r.nextGen
}

// Remove deletes topic if it is still owned by generation. It returns the live
// subscription id that was bound (possibly empty) and whether anything was removed.
func (r *Registry) Remove(topic string, generation uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok || e.generation != generation {
		return "", false
	}
	delete(r.entries, topic)
	if e.liveID != "" {
		delete(r.byID, e.liveID)
	}
	return e.liveID, true
}

// Topics returns every registered topic in sorted order
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// BindLive records the broker subscription id attached for topic
func (r *Registry) BindLive(topic, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok {
		return false
	}
	if e.liveID != "" {
		delete(r.byID, e.liveID)
	}
	e.liveID = id
	r.byID[id] = topic
	return true
}

// LiveID returns the broker subscription id bound to topic, if any
func (r *Registry) LiveID(topic string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[topic]; ok {
		return e.liveID
	}
	return ""
}

// LiveByID resolves a broker subscription id to its topic and current handler
func (r *Registry) LiveByID(id string) (string, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, ok := r.byID[id]
	if !ok {
		return "", nil, false
	}
	return topic, r.entries[topic].handler, true
}

// ClearLive drops every live binding and returns the ids that were bound
func (r *Registry) ClearLive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	for _, e := range r.entries {
		e.liveID = ""
	}
	r.byID = make(map[string]string)
	return ids
}

// Len returns the number of registered topics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LiveCount returns the number of topics attached to the live connection
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
