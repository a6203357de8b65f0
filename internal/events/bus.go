package events

import (
	"sync"
	"time"

	"countryvpn/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// SessionPhaseChanged is published on every connection session transition
	SessionPhaseChanged EventType = "session_phase_changed"

	// LogAppended carries each new event log line
	LogAppended EventType = "log_appended"

	// CatalogReloaded is published after the server catalog was (re)loaded or saved
	CatalogReloaded EventType = "catalog_reloaded"

	// ProbeCompleted carries the result of a reachability probe
	ProbeCompleted EventType = "probe_completed"

	// IPResolved carries the result of a public IP check
	IPResolved EventType = "ip_resolved"
)

// PhaseChangeData contains data for session phase events
type PhaseChangeData struct {
	Reason   string `json:"reason,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// LogData contains one event log line
type LogData struct {
	Seq  int    `json:"seq"`
	Line string `json:"line"`
}

// CatalogData summarizes a catalog reload
type CatalogData struct {
	Servers    int    `json:"servers"`
	Configured int    `json:"configured"`
	Source     string `json:"source"` // "load", "save", "watch"
}

// ProbeData contains a probe outcome
type ProbeData struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
}

// IPData contains a public IP check outcome
type IPData struct {
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
	Partial bool   `json:"partial,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event represents a single event in the system
type Event struct {
	Type      EventType   `json:"type"`
	ServerID  string      `json:"server_id,omitempty"`
	OldState  string      `json:"old_state,omitempty"`
	NewState  string      `json:"new_state,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for receiving events
// The channel is buffered to prevent blocking publishers
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones published for the first time later
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.all = append(b.all, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	if remaining, found := removeChan(subscribers, ch); found {
		if len(remaining) == 0 {
			delete(b.subscribers, eventType)
		} else {
			b.subscribers[eventType] = remaining
		}
	}
}

// UnsubscribeAll removes a channel obtained from SubscribeAll and closes it
func (b *Bus) UnsubscribeAll(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all, _ = removeChan(b.all, ch)
}

func removeChan(list []chan Event, ch <-chan Event) ([]chan Event, bool) {
	for i, subscriber := range list {
		if subscriber == ch {
			close(subscriber)
			list[i] = list[len(list)-1]
			return list[:len(list)-1], true
		}
	}
	return list, false
}

// Publish publishes an event to all subscribers of that event type
// This method is non-blocking - if a subscriber's channel is full, the event is dropped
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.all = nil
}
