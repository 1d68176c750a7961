package tunnel

import (
	"sync"
	"sync/atomic"

	"marinvpn/pkg/wg"
)

type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

type EventKind int

const (
	StatusChanged EventKind = iota + 1
	LocationChanged
	StatsUpdated
	Error
	CaptivePortalActive
	PQCFallback
)

func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "StatusChanged"
	case LocationChanged:
		return "LocationChanged"
	case StatsUpdated:
		return "StatsUpdated"
	case Error:
		return "Error"
	case CaptivePortalActive:
		return "CaptivePortalActive"
	case PQCFallback:
		return "PQCFallback"
	}
	return "Unknown"
}

// Event is one observation of orchestrator state. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind     EventKind
	Status   ConnectionStatus
	Location string
	Stats    wg.Stats
	Err      error
	Active   bool
}

const DefaultEventBuffer = 64

// EventBus fans events out to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &EventBus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

type Subscription struct {
	bus     *EventBus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

func (b *EventBus) Subscribe() *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close removes every subscriber and closes their channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
