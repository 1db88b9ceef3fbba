// Package lifecycle publishes application foreground/background phase
// transitions to subscribers.
package lifecycle

import "sync"

// Phase is the coarse application lifecycle state.
type Phase int

const (
	// Foreground means the application is active and services may run.
	Foreground Phase = iota
	// Background means the application is paused and radios should idle.
	Background
)

func (p Phase) String() string {
	if p == Background {
		return "background"
	}
	return "foreground"
}

// Notifier is the subscription surface consumed by the coordinator.
type Notifier interface {
	Subscribe() chan Phase
	Unsubscribe(chan Phase)
}

// Publisher fans phase transitions out to subscribers. Delivery is
// buffered and non-blocking; a subscriber that falls far behind misses
// intermediate transitions, which is acceptable because only the latest
// phase matters.
type Publisher struct {
	mu        sync.Mutex
	phase     Phase
	listeners map[chan Phase]struct{}
}

var _ Notifier = (*Publisher)(nil)

// NewPublisher returns a publisher starting in the foreground phase.
func NewPublisher() *Publisher {
	return &Publisher{
		phase:     Foreground,
		listeners: make(map[chan Phase]struct{}),
	}
}

// Phase returns the most recently published phase.
func (p *Publisher) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Transition publishes a new phase. Repeated transitions to the current
// phase are still delivered; subscribers treat them as no-ops.
func (p *Publisher) Transition(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	for ch := range p.listeners {
		select {
		case ch <- phase:
		default:
		}
	}
	p.mu.Unlock()
}

// Subscribe registers a listener channel.
func (p *Publisher) Subscribe() chan Phase {
	ch := make(chan Phase, 16)
	p.mu.Lock()
	p.listeners[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener registered with Subscribe.
func (p *Publisher) Unsubscribe(ch chan Phase) {
	p.mu.Lock()
	delete(p.listeners, ch)
	p.mu.Unlock()
}
