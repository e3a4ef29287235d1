package credstore

import (
	"context"
	"sync"
)

// Memory is a process-local store used by tests and by callers that opt out
// of persistence. It still emits watch events so session observers behave the
// same as with shared media.
type Memory struct {
	mu      sync.RWMutex
	cred    Credential
	profile Profile
	present bool

	bc *broadcaster
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{bc: newBroadcaster()}
}

func (m *Memory) Save(ctx context.Context, cred Credential, profile Profile) error {
	m.mu.Lock()
	m.cred = normalize(cred)
	m.profile = profile
	m.present = true
	m.mu.Unlock()
	m.bc.publish(Event{Kind: EventSaved})
	return nil
}

func (m *Memory) Load(ctx context.Context) (Credential, Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.present {
		return Credential{}, Profile{}, false
	}
	return m.cred, m.profile, true
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	wasPresent := m.present
	m.cred = Credential{}
	m.profile = Profile{}
	m.present = false
	m.mu.Unlock()
	if wasPresent {
		m.bc.publish(Event{Kind: EventCleared})
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context) <-chan Event {
	return m.bc.subscribe(ctx)
}

var _ Store = (*Memory)(nil)
