package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"finbridge.org/internal/obs"
)

const (
	defaultNamespace = "finbridge:session"

	msgSaved   = "saved"
	msgCleared = "cleared"
)

// Redis persists credentials in a shared Redis instance so multiple engine
// processes behave like browser tabs over one storage medium. Change
// notifications ride a pub/sub channel instead of polling.
type Redis struct {
	client    *redis.Client
	namespace string

	bc       *broadcaster
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithNamespace overrides the key prefix shared by cooperating processes.
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// NewRedis wraps an existing client. The subscriber goroutine runs until
// Close is called.
func NewRedis(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("credstore: redis client is required")
	}
	r := &Redis{
		client:    client,
		namespace: defaultNamespace,
		bc:        newBroadcaster(),
	}
	for _, opt := range opts {
		opt(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.subscribe(ctx)
	return r, nil
}

// Close stops the pub/sub subscriber. The underlying client is the caller's.
func (r *Redis) Close() {
	r.stopOnce.Do(r.cancel)
}

func (r *Redis) accessKey() string  { return r.namespace + ":access_token" }
func (r *Redis) refreshKey() string { return r.namespace + ":refresh_token" }
func (r *Redis) profileKey() string { return r.namespace + ":profile" }
func (r *Redis) channel() string    { return r.namespace + ":events" }

func (r *Redis) Save(ctx context.Context, cred Credential, profile Profile) error {
	cred = normalize(cred)
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		r.warn("save", err)
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.accessKey(), cred.AccessToken, 0)
	if cred.RefreshToken != "" {
		pipe.Set(ctx, r.refreshKey(), cred.RefreshToken, 0)
	} else {
		pipe.Del(ctx, r.refreshKey())
	}
	pipe.Set(ctx, r.profileKey(), profileJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		r.warn("save", err)
		return err
	}
	if err := r.client.Publish(ctx, r.channel(), msgSaved).Err(); err != nil {
		r.warn("publish", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context) (Credential, Profile, bool) {
	vals, err := r.client.MGet(ctx, r.accessKey(), r.refreshKey(), r.profileKey()).Result()
	if err != nil {
		r.warn("load", err)
		return Credential{}, Profile{}, false
	}
	cred := Credential{}
	if s, ok := vals[0].(string); ok {
		cred.AccessToken = s
	}
	if s, ok := vals[1].(string); ok {
		cred.RefreshToken = s
	}
	if cred.Empty() {
		return Credential{}, Profile{}, false
	}
	var profile Profile
	if s, ok := vals[2].(string); ok {
		if err := json.Unmarshal([]byte(s), &profile); err != nil {
			r.warn("load", err)
			return Credential{}, Profile{}, false
		}
	}
	return normalize(cred), profile, true
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.accessKey(), r.refreshKey(), r.profileKey()).Err(); err != nil {
		r.warn("clear", err)
		return err
	}
	if err := r.client.Publish(ctx, r.channel(), msgCleared).Err(); err != nil {
		r.warn("publish", err)
	}
	return nil
}

func (r *Redis) Watch(ctx context.Context) <-chan Event {
	return r.bc.subscribe(ctx)
}

// subscribe forwards pub/sub messages, from this process and others, to
// watchers.
func (r *Redis) subscribe(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Payload {
			case msgSaved:
				r.bc.publish(Event{Kind: EventSaved})
			case msgCleared:
				r.bc.publish(Event{Kind: EventCleared})
			}
		}
	}
}

func (r *Redis) warn(op string, err error) {
	obs.LogEntry(map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":  "warn",
		"msg":    "credential store degraded",
		"medium": "redis",
		"op":     op,
		"error":  err.Error(),
	})
}

var _ Store = (*Redis)(nil)
