package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	aliveKeyPrefix   = "session:alive:"
	cleanupKeyPrefix = "session:cleanup:"
)

// Session tracks one device connection. A TTL heartbeat marks the
// session alive; paths registered for disconnect removal are deleted
// by Close on a graceful exit and by the reaper once the heartbeat
// lapses on an ungraceful one.
type Session struct {
	id          string
	store       *Store
	bookkeeping rueidis.Client
	ttl         time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	online   bool
	watchers map[int]chan bool
	nextID   int
	cancel   context.CancelFunc
	closed   bool

	done chan struct{}
}

// NewSession creates a session with a fresh ID. Nothing is written
// until Start.
func NewSession(store *Store, bookkeeping rueidis.Client, ttl time.Duration, logger *zap.Logger) *Session {
	return &Session{
		id:          NewRecordID(),
		store:       store,
		bookkeeping: bookkeeping,
		ttl:         ttl,
		logger:      logger.Named("session"),
		watchers:    make(map[int]chan bool),
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier used in bookkeeping keys.
func (s *Session) ID() string {
	return s.id
}

// Start writes the first heartbeat and begins refreshing it at a third
// of the TTL.
func (s *Session) Start(ctx context.Context) error {
	if err := s.beat(ctx); err != nil {
		return fmt.Errorf("start session %s: %w", s.id, err)
	}

	s.setOnline(true)

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.heartbeatLoop(loopCtx)

	s.logger.Debug("Session started", zap.String("id", s.id), zap.Duration("ttl", s.ttl))

	return nil
}

// OnDisconnectRemove registers path for deletion once this session
// ends. After an ungraceful disconnect the deletion latency is bounded
// only by the heartbeat TTL and must never be assumed prompt.
func (s *Session) OnDisconnectRemove(ctx context.Context, path string) error {
	err := s.bookkeeping.Do(ctx,
		s.bookkeeping.B().Sadd().Key(cleanupKeyPrefix+s.id).Member(path).Build()).Error()
	if err != nil {
		return fmt.Errorf("register disconnect cleanup %s: %w", path, wrapRedisErr(err))
	}

	return nil
}

// CancelOnDisconnect withdraws a previously registered path.
func (s *Session) CancelOnDisconnect(ctx context.Context, path string) error {
	err := s.bookkeeping.Do(ctx,
		s.bookkeeping.B().Srem().Key(cleanupKeyPrefix+s.id).Member(path).Build()).Error()
	if err != nil {
		return fmt.Errorf("cancel disconnect cleanup %s: %w", path, wrapRedisErr(err))
	}

	return nil
}

// Watch streams connectivity transitions, starting with the current
// state. The channel closes when ctx is canceled or the session ends.
func (s *Session) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = out
	out <- s.online
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if ch, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}()

	return out
}

// Close stops the heartbeat and runs the registered cleanup
// immediately. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}

	s.setOnline(false)

	paths, err := s.bookkeeping.Do(ctx,
		s.bookkeeping.B().Smembers().Key(cleanupKeyPrefix+s.id).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, wrapRedisErr(err))
	}

	if len(paths) > 0 {
		changes := make(map[string]any, len(paths))
		for _, path := range paths {
			changes[path] = nil
		}

		if err := s.store.Update(ctx, changes); err != nil {
			return fmt.Errorf("close session %s: %w", s.id, err)
		}
	}

	err = s.bookkeeping.Do(ctx,
		s.bookkeeping.B().Del().Key(cleanupKeyPrefix+s.id, aliveKeyPrefix+s.id).Build()).Error()
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, wrapRedisErr(err))
	}

	s.logger.Debug("Session closed", zap.String("id", s.id), zap.Int("cleaned", len(paths)))

	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.beat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}

				s.logger.Warn("Heartbeat failed", zap.String("id", s.id), zap.Error(err))
				s.setOnline(false)

				continue
			}

			s.setOnline(true)
		}
	}
}

func (s *Session) beat(ctx context.Context) error {
	return wrapRedisErr(s.bookkeeping.Do(ctx,
		s.bookkeeping.B().Set().Key(aliveKeyPrefix+s.id).Value("1").Ex(s.ttl).Build()).Error())
}

func (s *Session) setOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}

	s.online = online

	for _, ch := range s.watchers {
		// Watchers only need the latest state; displace a stale one
		// rather than block the heartbeat.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}
