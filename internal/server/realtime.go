package server

import (
	"context"
	"sync"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/events"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
)

const (
	RealtimeEventVoteChanged = "vote-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "project-space-api"
	// allProjectsTopic receives every project's messages.
	allProjectsTopic = ""
)

type RealtimeMessage struct {
	ProjectID string
	EventType string
	Event     events.VoteChangeEvent
	Timestamp time.Time
}

// RealtimeDispatcher fans committed vote changes out to stream subscribers, keyed by project.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for projectID, or for every project when projectID is empty.
// The subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(projectID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the project's subscribers and to all-project subscribers.
// Slow subscribers miss messages instead of blocking the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProjectID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.ProjectID])+len(d.subscribers[allProjectsTopic]))
	for _, subscriber := range d.subscribers[message.ProjectID] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[allProjectsTopic] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyVoteChange implements votes.Notifier.
func (d *RealtimeDispatcher) NotifyVoteChange(_ context.Context, change votes.VoteChange) {
	d.Publish(RealtimeMessage{
		ProjectID: change.ProjectID,
		EventType: RealtimeEventVoteChanged,
		Event:     events.NewVoteChangeEvent(change).Anonymized(),
		Timestamp: change.OccurredAt,
	})
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
