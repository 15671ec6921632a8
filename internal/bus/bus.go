// Package bus provides the in-process publish/subscribe channel between
// the stdout pipeline, the process runner and the broadcast hub.
//
// Publishing never blocks: a subscriber that cannot keep up loses
// messages rather than stalling process I/O. Subscribers size their own
// buffers accordingly.

package bus

import "sync"

// Topic identifies the kind of a bus message
type Topic string

const (
	TopicEvent          Topic = "event"
	TopicOutput         Topic = "output"
	TopicActivity       Topic = "activity"
	TopicSessionID      Topic = "session_id"
	TopicQueueUpdate    Topic = "queue_update"
	TopicCommandStarted Topic = "command_started"
	TopicAgentUpdated   Topic = "agent_updated"
	TopicAgentCreated   Topic = "agent_created"
	TopicAgentDeleted   Topic = "agent_deleted"
	TopicError          Topic = "error"
)

// Message is one published item. Payload shape depends on the topic.
type Message struct {
	Topic   Topic
	AgentID string
	Payload interface{}
}

type subscriber struct {
	ch chan Message
}

// Bus fans published messages out to all current subscribers
type Bus struct {
	subs map[int]*subscriber
	next int
	mu   sync.RWMutex
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel func unregisters and closes the channel; it is
// safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Message, buffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// closing under the write lock keeps Publish, which sends
			// under the read lock, from sending on a closed channel
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers msg to every subscriber whose buffer has room.
// Full subscribers are skipped for this message.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
