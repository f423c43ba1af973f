package hub

import "sync"

// Registry reference-counts logical topics so that N consumers sharing a
// topic produce exactly one underlying subscribe and one unsubscribe.
// An entry exists only while its count is positive.
type Registry struct {
	mu     sync.Mutex
	topics map[string]uint
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]uint)}
}

// Acquire increments the topic's reference count and returns the new count.
// A return of 1 means this is the first consumer and the caller must issue
// the underlying subscribe.
func (r *Registry) Acquire(topic string) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic]++
	return r.topics[topic]
}

// Release decrements the topic's reference count. It returns true when the
// count reached zero and the entry was removed, meaning the caller must issue
// the underlying unsubscribe. Releasing an unknown topic is a no-op.
func (r *Registry) Release(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.topics[topic]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(r.topics, topic)
		return true
	}
	r.topics[topic] = count - 1
	return false
}

// Count returns the current reference count for a topic.
func (r *Registry) Count(topic string) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[topic]
}

// Topics returns a snapshot of every topic with a positive reference count.
// Used to resubscribe after a reconnect.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	return topics
}
