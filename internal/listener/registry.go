// Package listener tracks live store subscriptions so each (store,
// path) pair carries at most one, and all of them tear down together
// at sign-out.
package listener

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// StoreKind names which store a subscription watches.
type StoreKind int

const (
	// StoreEntity marks subscriptions on the durable entity store.
	StoreEntity StoreKind = iota
	// StoreBroadcast marks subscriptions on the ephemeral broadcast store.
	StoreBroadcast
)

// String returns the lowercase name of the store kind.
func (k StoreKind) String() string {
	switch k {
	case StoreEntity:
		return "entity"
	case StoreBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("StoreKind(%d)", int(k))
	}
}

// Key identifies one subscription slot.
type Key struct {
	Store StoreKind
	Path  string
}

// SubscribeFunc starts one subscription scoped to ctx. Delivery must
// run on goroutines it spawns; the function itself must return
// promptly and must not call back into the registry.
type SubscribeFunc func(ctx context.Context) error

// Registry owns subscription lifetimes. One mutex guards the table;
// cancellation and removal happen as a single step, so no entry is
// ever observable as both present and canceled.
type Registry struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[Key]context.CancelFunc
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("listener"),
		subs:   make(map[Key]context.CancelFunc),
	}
}

// Register installs a subscription for the key, canceling any prior
// one first. Repeated registration against the same key is idempotent
// in effect and never stacks duplicate deliveries.
func (r *Registry) Register(ctx context.Context, store StoreKind, path string, subscribe SubscribeFunc) error {
	key := Key{Store: store, Path: path}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.subs[key]; ok {
		cancel()
		delete(r.subs, key)

		r.logger.Debug("Replaced subscription",
			zap.Stringer("store", store), zap.String("path", path))
	}

	subCtx, cancel := context.WithCancel(ctx)

	if err := subscribe(subCtx); err != nil {
		cancel()
		return fmt.Errorf("register %s %s: %w", store, path, err)
	}

	r.subs[key] = cancel

	return nil
}

// Unregister cancels the subscription for the key. Absent keys no-op,
// so teardown paths call this unconditionally.
func (r *Registry) Unregister(store StoreKind, path string) {
	key := Key{Store: store, Path: path}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.subs[key]; ok {
		cancel()
		delete(r.subs, key)
	}
}

// UnregisterAll cancels every live subscription. Sign-out runs this
// before any identity state clears so no late callback writes on
// behalf of a stale user.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.subs)

	for key, cancel := range r.subs {
		cancel()
		delete(r.subs, key)
	}

	if count > 0 {
		r.logger.Debug("Unregistered all subscriptions", zap.Int("count", count))
	}
}

// Len reports the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}
