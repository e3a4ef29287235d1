package credstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"finbridge.org/internal/obs"
)

const defaultPollInterval = time.Second

var errSealedTooShort = errors.New("credstore: sealed payload too short")

// fileState is the JSON document sealed into the credential file.
type fileState struct {
	Credential Credential `json:"credential"`
	Profile    Profile    `json:"profile"`
}

// File persists credentials in a single secretbox-sealed file. Writes go
// through a temp file and rename so readers never observe a partial state.
// A background poller watches the file for changes made by other processes
// (the cross-tab analogue of storage events) and publishes them to watchers.
type File struct {
	path string
	key  [32]byte

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	lastSeen bool

	bc       *broadcaster
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// FileOption configures a File store.
type FileOption func(*File)

// WithPollInterval overrides how often the file is checked for external
// changes. Intervals at or below zero keep the default.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.interval = d
		}
	}
}

// NewFile opens a file-backed store sealed under the given 32-byte key and
// starts its change poller. Callers own the key material; the store never
// writes it anywhere.
func NewFile(path string, key [32]byte, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("credstore: file path is required")
	}
	f := &File{
		path:     path,
		key:      key,
		bc:       newBroadcaster(),
		interval: defaultPollInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.lastHash, f.lastSeen = f.snapshot()
	go f.poll()
	return f, nil
}

// Close stops the change poller. The store remains usable for Save/Load/Clear.
func (f *File) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *File) Save(ctx context.Context, cred Credential, profile Profile) error {
	data, err := json.Marshal(fileState{Credential: normalize(cred), Profile: profile})
	if err != nil {
		f.warn("save", err)
		return err
	}
	sealed, err := f.seal(data)
	if err != nil {
		f.warn("save", err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".finbridge-cred-*")
	if err != nil {
		f.warn("save", err)
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		f.warn("save", err)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		f.warn("save", err)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		f.warn("save", err)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		f.warn("save", err)
		return err
	}

	f.lastHash = sha256.Sum256(sealed)
	f.lastSeen = true
	f.bc.publish(Event{Kind: EventSaved})
	return nil
}

func (f *File) Load(ctx context.Context) (Credential, Profile, bool) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.warn("load", err)
		}
		return Credential{}, Profile{}, false
	}
	data, err := f.open(raw)
	if err != nil {
		f.warn("load", err)
		return Credential{}, Profile{}, false
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		f.warn("load", err)
		return Credential{}, Profile{}, false
	}
	if state.Credential.Empty() {
		return Credential{}, Profile{}, false
	}
	return state.Credential, state.Profile, true
}

func (f *File) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.warn("clear", err)
		return err
	}
	wasSeen := f.lastSeen
	f.lastHash = [sha256.Size]byte{}
	f.lastSeen = false
	if wasSeen {
		f.bc.publish(Event{Kind: EventCleared})
	}
	return nil
}

func (f *File) Watch(ctx context.Context) <-chan Event {
	return f.bc.subscribe(ctx)
}

// poll publishes events for changes made outside this process.
func (f *File) poll() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			hash, seen := f.snapshot()
			f.mu.Lock()
			changed := seen != f.lastSeen || hash != f.lastHash
			if changed {
				f.lastHash = hash
				f.lastSeen = seen
			}
			f.mu.Unlock()
			if !changed {
				continue
			}
			if seen {
				f.bc.publish(Event{Kind: EventSaved})
			} else {
				f.bc.publish(Event{Kind: EventCleared})
			}
		}
	}
}

func (f *File) snapshot() ([sha256.Size]byte, bool) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(raw), true
}

func (f *File) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("credstore: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &f.key), nil
}

func (f *File) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24+secretbox.Overhead {
		return nil, errSealedTooShort
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &f.key)
	if !ok {
		return nil, errors.New("credstore: seal verification failed")
	}
	return plain, nil
}

func (f *File) warn(op string, err error) {
	obs.LogEntry(map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "warn",
		"msg":   "credential store degraded",
		"op":    op,
		"error": err.Error(),
	})
}

var _ Store = (*File)(nil)
