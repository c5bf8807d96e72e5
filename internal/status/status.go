// Package status holds the process-wide connectivity value observed by UI
// collaborators and the conversation session.
package status

import (
	"sync"

	"github.com/omochice/tiny-chat/pkg/protocol"
)

// Status is the binary connectivity value.
type Status int

const (
	// Disconnected means no transport is open. It is the initial value.
	Disconnected Status = iota
	// Connected means a transport is open and sends are accepted.
	Connected
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Publisher is a single owned cell of connection status and loading owner.
// Subscribers are notified synchronously, in subscription order, only when a
// value actually changes.
type Publisher struct {
	mu           sync.RWMutex
	status       Status
	loadingOwner protocol.Role
	nextID       int
	subs         []subscription
}

type subscription struct {
	id int
	fn func(Status)
}

// NewPublisher creates a Publisher starting in the Disconnected state.
func NewPublisher() *Publisher {
	return &Publisher{status: Disconnected}
}

// Status returns the current connectivity.
func (p *Publisher) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Set stores s and notifies subscribers if it differs from the current value.
// It reports whether the value changed.
func (p *Publisher) Set(s Status) bool {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return false
	}
	p.status = s
	subs := make([]subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.fn(s)
	}
	return true
}

// Subscribe registers fn for status changes. The returned function removes
// the subscription.
func (p *Publisher) Subscribe(fn func(Status)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// LoadingOwner returns the role currently composing a reply, if any.
func (p *Publisher) LoadingOwner() (protocol.Role, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadingOwner, p.loadingOwner != ""
}

// SetLoadingOwner marks role as composing.
func (p *Publisher) SetLoadingOwner(role protocol.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadingOwner = role
}

// ClearLoadingOwner marks that nobody is composing.
func (p *Publisher) ClearLoadingOwner() {
	p.SetLoadingOwner("")
}
