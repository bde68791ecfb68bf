// Package platform abstracts optional runtime capabilities behind
// injected interfaces so the sync core carries no conditional branching
// on feature availability. Every capability prefers a no-op
// implementation when the environment cannot provide it; both are
// best-effort enhancements, never required for correctness.
package platform

import (
	"context"
	"sync"
	"time"
)

// Connectivity reports network reachability transitions.
type Connectivity interface {
	// Online returns the last observed state.
	Online() bool
	// Subscribe registers a transition handler and returns an
	// unsubscribe func. The handler is called with the new state.
	Subscribe(fn func(online bool)) func()
}

// Scheduler requests deferred background sync for a game. Requests are
// advisory; a runtime without background execution drops them.
type Scheduler interface {
	RequestSync(gameID string)
}

// NopConnectivity always reports online and never fires transitions.
type NopConnectivity struct{}

func (NopConnectivity) Online() bool                       { return true }
func (NopConnectivity) Subscribe(func(online bool)) func() { return func() {} }

// NopScheduler drops every request.
type NopScheduler struct{}

func (NopScheduler) RequestSync(string) {}

// Prober polls a health probe and fans out online/offline transitions.
type Prober struct {
	probe    func(ctx context.Context) error
	interval time.Duration

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewProber builds a connectivity watcher around a probe func (typically
// the sync server's health endpoint). The initial state is online so a
// first sync attempt is never suppressed before the first poll.
func NewProber(probe func(ctx context.Context) error, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		probe:    probe,
		interval: interval,
		online:   true,
		subs:     make(map[int]func(online bool)),
	}
}

// Online returns the last observed state.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe registers a transition handler.
func (p *Prober) Subscribe(fn func(online bool)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Set records a state observation and notifies subscribers on change.
// Exposed so tests and CLI paths can inject transitions directly.
func (p *Prober) Set(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	var subs []func(online bool)
	if changed {
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Run polls until the context is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, p.interval)
			err := p.probe(probeCtx)
			cancel()
			p.Set(err == nil)
		}
	}
}

// ChanScheduler feeds background sync requests into a channel drained by
// the sync manager's retry loop. When the buffer is full the request is
// dropped: background sync is opportunistic.
type ChanScheduler struct {
	C chan string
}

// NewChanScheduler creates a scheduler with a small buffer.
func NewChanScheduler() *ChanScheduler {
	return &ChanScheduler{C: make(chan string, 64)}
}

// RequestSync enqueues a game id, dropping on overflow.
func (s *ChanScheduler) RequestSync(gameID string) {
	select {
	case s.C <- gameID:
	default:
	}
}
