// Package event provides the per-workspace event broadcaster. Envelopes
// fan out to every connected subscriber over buffered channels; delivery
// is fire-and-forget with no backpressure, and subscribers that cannot
// keep up are evicted.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"

	"github.com/agentdeck-ai/agentdeck/internal/logging"
)

// Type identifies an event envelope.
type Type string

const (
	SessionCreated    Type = "session.created"
	SessionUpdated    Type = "session.updated"
	SessionDeleted    Type = "session.deleted"
	SessionStatus     Type = "session.status"
	SessionError      Type = "session.error"
	MessageUpdated    Type = "message.updated"
	MessagePartUpdate Type = "message.part.updated"
	PermissionAsked   Type = "permission.asked"
	PermissionReplied Type = "permission.replied"
	ServerHeartbeat   Type = "server.heartbeat"
	// Ping is a liveness probe; transports render it as a protocol-level
	// comment, not a data frame.
	Ping Type = "server.ping"
)

// Envelope is the stable wire shape pushed to subscribers.
type Envelope struct {
	Type       Type `json:"type"`
	Properties any  `json:"properties"`
}

// PingInterval is how often subscribers receive a liveness ping.
const PingInterval = 30 * time.Second

// subscriberBuffer is each subscriber's channel capacity. A subscriber
// that falls this far behind is considered dead and evicted.
const subscriberBuffer = 64

// topic is the watermill topic mirrored envelopes are published on.
const topic = "events"

// Broadcaster fans envelopes out to subscribers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Envelope
	closed      bool
	done        chan struct{}

	// Watermill mirror of the stream; a seam for middleware or a
	// distributed backend without touching callers.
	pubsub *gochannel.GoChannel
}

// NewBroadcaster creates a broadcaster and starts its ping loop.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]chan Envelope),
		done:        make(chan struct{}),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
	go b.pingLoop()
	return b
}

// Subscribe registers a subscriber and returns its channel and id. The
// first envelope on the channel is an immediate heartbeat so the
// transport does not appear idle to intermediary proxies.
func (b *Broadcaster) Subscribe() (<-chan Envelope, string) {
	ch := make(chan Envelope, subscriberBuffer)
	id := ulid.Make().String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, id
	}

	ch <- Envelope{Type: ServerHeartbeat, Properties: map[string]any{}}
	b.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) {
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish fans an envelope out to every live subscriber. A subscriber
// whose buffer is full is evicted; one broken subscriber never blocks or
// fails delivery to the others.
func (b *Broadcaster) Publish(eventType Type, properties any) {
	env := Envelope{Type: eventType, Properties: properties}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var dead []string
	for id, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		logging.Warn().Str("subscriberID", id).Str("eventType", string(eventType)).
			Msg("evicting slow subscriber")
		b.removeLocked(id)
	}
	b.mu.Unlock()

	if eventType != Ping {
		b.mirror(env)
	}
}

// mirror publishes the envelope on the watermill channel.
func (b *Broadcaster) mirror(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Messages exposes the watermill side of the stream.
func (b *Broadcaster) Messages() *gochannel.GoChannel {
	return b.pubsub
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Publish(Ping, map[string]any{})
		}
	}
}

// CloseAll terminates every subscriber and stops the ping loop.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	for id := range b.subscribers {
		b.removeLocked(id)
	}
	b.mu.Unlock()

	_ = b.pubsub.Close()
}
