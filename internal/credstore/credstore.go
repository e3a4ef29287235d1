// Package credstore persists the current credential and sanitized user
// profile. Backends share one contract: saves are atomic, clears are
// idempotent, loads never fail loudly, and every mutation is observable so
// that a logout in one process is seen by the others.
package credstore

import (
	"context"
	"sync"
	"time"

	"finbridge.org/internal/token"
)

// Credential is the persisted token pair. AccessExpiresAt is derived from the
// access token's exp claim; a credential whose expiry could not be derived is
// treated as already expired.
type Credential struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token,omitempty"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// Empty reports whether no access token is held.
func (c Credential) Empty() bool {
	return c.AccessToken == ""
}

// Profile carries only non-sensitive user fields. Secrets never live here.
type Profile struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// EventKind distinguishes store mutations seen by watchers.
type EventKind int

const (
	// EventSaved signals a credential/profile pair was written.
	EventSaved EventKind = iota
	// EventCleared signals credentials were removed.
	EventCleared
)

// Event is delivered to Watch subscribers on every visible mutation,
// including ones performed by other processes sharing the medium.
type Event struct {
	Kind EventKind
}

// Store abstracts the persistence medium.
type Store interface {
	// Save overwrites any stored credential/profile atomically. It must not
	// fail the caller on a degraded medium; implementations log and return
	// the error for observability only.
	Save(ctx context.Context, cred Credential, profile Profile) error
	// Load returns the stored pair, or ok=false when absent or unparseable.
	Load(ctx context.Context) (Credential, Profile, bool)
	// Clear removes stored credentials. Removing an absent credential is not
	// an error.
	Clear(ctx context.Context) error
	// Watch delivers mutation events until ctx ends. Slow receivers may miss
	// intermediate events but always observe the latest state eventually.
	Watch(ctx context.Context) <-chan Event
}

// normalize backfills the access expiry from the token's exp claim. A refresh
// token is never persisted alongside an access token with no known expiry;
// if the claim is unreadable the zero expiry keeps the credential "already
// expired" on load.
func normalize(cred Credential) Credential {
	if cred.AccessExpiresAt.IsZero() && cred.AccessToken != "" {
		if exp, ok := token.ExpiryAt(cred.AccessToken); ok {
			cred.AccessExpiresAt = exp
		}
	}
	return cred
}

// broadcaster fan-outs store events to all active watchers.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// subscribe registers a watcher and returns a channel which receives events.
// The channel is closed when the provided context ends.
func (b *broadcaster) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 4)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// publish fan-outs the event to all watchers.
func (b *broadcaster) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when the watcher is slow to avoid blocking mutations.
		}
	}
}
