package chat

import (
	"sync"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

// Phase enumerates the controller's state machine. Exactly one phase
// is active at a time.
type Phase int

const (
	// PhaseInitial: no session yet.
	PhaseInitial Phase = iota
	// PhaseLoading: bootstrap or stream (re)establishment in progress.
	PhaseLoading
	// PhaseLoaded: steady state. Connected=false means the UI is
	// looking at stale or cached data.
	PhaseLoaded
	// PhaseSending: an optimistic send is outstanding.
	PhaseSending
	// PhaseError: unrecoverable for now, cached messages if present.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseSending:
		return "sending"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Pending describes one outstanding optimistic send.
type Pending struct {
	// Text is the normalized text being matched against incoming
	// batches; for image sends it is the fixed placeholder.
	Text string
	Kind msg.Kind
	// KnownIDs is the snapshot of message ids at send time. Image
	// sends confirm on the first new own message instead of a text
	// match.
	KnownIDs map[string]struct{}
}

// State is the controller's published state. Messages carries the last
// confirmed batch; in PhaseError it carries cached messages.
type State struct {
	Phase     Phase
	ChatID    string
	Messages  []*msg.Message
	Connected bool
	Pending   *Pending
	Err       string
}

// Cell is a single current-value observable: write-only to the
// controller, read-only to subscribers.
type Cell struct {
	mu   sync.RWMutex
	cur  State
	subs map[int]chan State
	next int
}

func newCell() *Cell {
	return &Cell{
		cur:  State{Phase: PhaseInitial},
		subs: make(map[int]chan State),
	}
}

// Get returns the current state.
func (c *Cell) Get() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Subscribe registers a change listener. The current state is
// delivered first. The cancel func releases the subscription.
func (c *Cell) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)

	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = ch
	ch <- c.cur
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Cell) set(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = s
	for _, sub := range c.subs {
		select {
		case sub <- s:
		default:
			// Slow subscriber: drop its oldest value, the newest state
			// wins.
			select {
			case <-sub:
			default:
			}
			sub <- s
		}
	}
}
