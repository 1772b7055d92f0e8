// Package registry holds the authoritative set of monitored channels.
// The in-memory list is the single source of truth at runtime; every mutation
// is written through to a durable Store so a restart resumes with the same
// channel set. All operations are atomic with respect to concurrent scheduler
// ticks and control-plane commands.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrAlreadyExists = errors.New("channel already exists")
	ErrNotFound      = errors.New("channel not found")
)

// Channel identifies a monitored chzzk channel. Runtime recording state lives
// in the channel's recording session, not here.
type Channel struct {
	ID      string    `json:"channel_id"`
	Name    string    `json:"channel_name"`
	AddedAt time.Time `json:"added_at"`
}

// Store persists registry mutations. Implementations must make Insert fail
// with ErrAlreadyExists on a duplicate channel id (the Postgres implementation
// relies on a UNIQUE constraint for this).
type Store interface {
	Load(ctx context.Context) ([]Channel, error)
	Insert(ctx context.Context, ch Channel) error
	Delete(ctx context.Context, channelID string) error
}

// Registry is a thread-safe, insertion-ordered channel set with write-through
// persistence.
type Registry struct {
	mu    sync.Mutex
	store Store
	order []string
	byID  map[string]Channel
}

func New(store Store) *Registry {
	return &Registry{store: store, byID: make(map[string]Channel)}
}

// Load replaces the in-memory set with the persisted one. Called once at boot;
// an empty store yields an empty registry.
func (r *Registry) Load(ctx context.Context) error {
	chans, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = r.order[:0]
	r.byID = make(map[string]Channel, len(chans))
	for _, ch := range chans {
		r.order = append(r.order, ch.ID)
		r.byID[ch.ID] = ch
	}
	return nil
}

// Add inserts a channel, persisting before the in-memory set is updated so a
// crash cannot leave a channel that survives restart unacknowledged-in-memory
// but not on disk. Returns ErrAlreadyExists on a duplicate id.
func (r *Registry) Add(ctx context.Context, ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[ch.ID]; ok {
		return ErrAlreadyExists
	}
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now().UTC()
	}
	if err := r.store.Insert(ctx, ch); err != nil {
		return err
	}
	r.order = append(r.order, ch.ID)
	r.byID[ch.ID] = ch
	return nil
}

// Remove deletes a channel and returns it. Returns ErrNotFound when absent.
func (r *Registry) Remove(ctx context.Context, channelID string) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	if err := r.store.Delete(ctx, channelID); err != nil {
		return Channel{}, err
	}
	delete(r.byID, channelID)
	for i, id := range r.order {
		if id == channelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return ch, nil
}

// Get returns the channel for id, if registered.
func (r *Registry) Get(channelID string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[channelID]
	return ch, ok
}

// List returns a snapshot of all channels in insertion order.
func (r *Registry) List() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
