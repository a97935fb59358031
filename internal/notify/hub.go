// Package notify routes task events to at most one live subscriber per task.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends a subscription.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Sink receives events for one task. Send is only called from a single goroutine.
type Sink interface {
	Send(Event) error
	Close() error
}

const defaultQueueSize = 64

// Hub binds task ids to sinks.
type Hub struct {
	queueSize int
	logger    *logrus.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewHub(queueSize int, logger *logrus.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[string]*Subscription),
	}
}

// Subscription is a live binding of a task id to a sink. Its queue is drained by one
// goroutine, so events reach the sink in publish order.
type Subscription struct {
	hub    *Hub
	taskID string
	sink   Sink
	queue  chan Event
	// final holds the terminal event; it never competes with progress for queue space.
	final chan Event
	done  chan struct{}
	once  sync.Once
}

// Subscribe binds sink to taskID, closing any sink bound before.
func (h *Hub) Subscribe(taskID string, sink Sink) *Subscription {
	sub := &Subscription{
		hub:    h,
		taskID: taskID,
		sink:   sink,
		queue:  make(chan Event, h.queueSize),
		final:  make(chan Event, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.subs[taskID]
	h.subs[taskID] = sub
	h.mu.Unlock()

	if prev != nil {
		prev.shutdown()
	}
	go sub.drain()
	return sub
}

// Publish hands the event to the bound sink, if any. Without a subscriber, or when the
// subscriber's queue is full, the event is dropped. Terminal events are never dropped
// for a live subscriber: they are delivered after everything queued before them.
func (h *Hub) Publish(taskID string, ev Event) {
	h.mu.RLock()
	sub := h.subs[taskID]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if ev.Terminal() {
		select {
		case <-sub.done:
		case sub.final <- ev:
		default:
			h.logger.WithField("task_id", taskID).Debugf("terminal event already pending, dropping %s event", ev.Type)
		}
		return
	}

	select {
	case <-sub.done:
	case sub.queue <- ev:
	default:
		h.logger.WithField("task_id", taskID).Debugf("subscriber queue full, dropping %s event", ev.Type)
	}
}

// Unsubscribe detaches and closes the sink bound to taskID. Idempotent.
func (h *Hub) Unsubscribe(taskID string) {
	h.mu.Lock()
	sub := h.subs[taskID]
	delete(h.subs, taskID)
	h.mu.Unlock()
	if sub != nil {
		sub.shutdown()
	}
}

// Subscribed reports whether taskID currently has a sink.
func (h *Hub) Subscribed(taskID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[taskID]
	return ok
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	if h.subs[sub.taskID] == sub {
		delete(h.subs, sub.taskID)
	}
	h.mu.Unlock()
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel ends this subscription without touching a newer one for the same task.
func (s *Subscription) Cancel() {
	s.hub.detach(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		if err := s.sink.Close(); err != nil {
			s.hub.logger.WithField("task_id", s.taskID).Debugf("close sink: %v", err)
		}
	})
}

func (s *Subscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if !s.send(ev) {
				return
			}
		case ev := <-s.final:
			for flushing := true; flushing; {
				select {
				case queued := <-s.queue:
					if !s.send(queued) {
						return
					}
				default:
					flushing = false
				}
			}
			s.send(ev)
			s.Cancel()
			return
		}
	}
}

// send delivers one event and reports whether the subscription is still usable.
func (s *Subscription) send(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	if err := s.sink.Send(ev); err != nil {
		s.hub.logger.WithField("task_id", s.taskID).Debugf("send %s event: %v", ev.Type, err)
		s.Cancel()
		return false
	}
	return true
}
