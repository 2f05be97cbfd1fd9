package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventResponseCreated announces a new anonymous response on a subject.
	RealtimeEventResponseCreated = "response-created"
	// RealtimeEventLikesChanged announces an updated like count on a post.
	RealtimeEventLikesChanged = "likes-changed"

	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "pulse-backend"
)

// RealtimeMessage is one event on a subject's live feed. It carries no visitor
// identifiers: feeds are broadcast to every subscriber of the subject.
type RealtimeMessage struct {
	SubjectID string
	EventType string
	Count     int64
	Timestamp time.Time
}

// RealtimeDispatcher fans feedback events out to per-subject subscribers.
// Slow consumers drop messages rather than block publishers.
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

// NewRealtimeDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a live-feed consumer for a subject. The returned cleanup
// must run when the consuming view goes away; it is also bound to ctx so an
// abandoned connection tears itself down.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, subjectID string) (<-chan RealtimeMessage, func()) {
	if subjectID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subjectID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subjectID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a message to every subscriber of its subject, dropping it
// for subscribers whose buffers are full.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.SubjectID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.SubjectID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subjectID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[subjectID]; !ok {
		d.subscribers[subjectID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[subjectID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subjectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[subjectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, subjectID)
		}
	}
	d.mu.Unlock()
}
