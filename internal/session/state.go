package session

import (
	"context"
	"sync"

	"finbridge.org/internal/credstore"
)

// State is the derived session state. Exactly one session exists per Manager;
// it is mutated only by the Manager itself.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRenewing
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRenewing:
		return "renewing"
	default:
		return "unauthenticated"
	}
}

// Snapshot is an immutable view of the session handed to observers.
type Snapshot struct {
	State   State
	Profile credstore.Profile
}

// notifier fan-outs snapshots to subscribers (UI observers). Slow receivers
// drop intermediate snapshots but a fresh Current call always has the truth.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan Snapshot
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Snapshot)}
}

func (n *notifier) subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 8)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

func (n *notifier) publish(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
