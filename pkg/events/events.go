package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle change an Event reports.
type EventType string

const (
	EventChangesetOpened   EventType = "changeset.opened"
	EventChangesetApplied  EventType = "changeset.applied"
	EventChangesetRolledBack EventType = "changeset.rolled_back"
	EventTroveInstalled    EventType = "trove.installed"
	EventTroveRemoved      EventType = "trove.removed"
	EventTroveUpdated      EventType = "trove.updated"
	EventRepositorySynced  EventType = "repository.synced"
	EventRepositorySyncFailed EventType = "repository.sync_failed"
	EventHookApplied       EventType = "hook.applied"
	EventHookFailed        EventType = "hook.failed"
	EventTriggerFired      EventType = "trigger.fired"
)

// Event is one lifecycle notification, published as the transaction
// engine, repository sync, and hook executor make progress.
type Event struct {
	ID          string
	Type        EventType
	Timestamp   time.Time
	ChangesetID int64
	TroveName   string
	Message     string
	Metadata    map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to every active subscriber. Used by
// cmd/conaryd to stream transaction progress to a CLI client and by the
// repository sync loop to report per-repository outcomes.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish assigns an ID and timestamp if unset, then publishes event to
// every subscriber.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
