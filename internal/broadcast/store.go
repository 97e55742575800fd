// Package broadcast implements the ephemeral store adapter over Redis.
// Records live under slash-separated paths; every write publishes a
// full snapshot so subscribers never patch partial diffs. Multi-path
// updates apply atomically through MULTI/EXEC.
package broadcast

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	keyPrefix             = "bc:"
	valueChannelPrefix    = "bcv:"
	childrenChannelPrefix = "bcc:"

	scanCount       = 100
	subscribeBuffer = 16

	msgSet = '+'
	msgDel = '-'
)

// Snapshot is one full view of a path's value. Exists distinguishes an
// absent record from an empty one.
type Snapshot struct {
	Path   string
	Exists bool
	Data   []byte
}

// Decode unmarshals the snapshot into a record.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return fmt.Errorf("decode %s: %w", s.Path, apperror.ErrNotFound)
	}

	return Decode(s.Data, v)
}

// ChildrenSnapshot is one full view of a parent's direct children,
// keyed by leaf name.
type ChildrenSnapshot struct {
	Parent   string
	Children map[string][]byte
}

// Store is the broadcast store adapter. All methods are safe for
// concurrent use.
type Store struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewStore creates a store over an established Redis client.
func NewStore(client rueidis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.Named("broadcast"),
	}
}

// Read fetches the current snapshot of one path.
func (s *Store) Read(ctx context.Context, path string) (Snapshot, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(keyPrefix+path).Build())

	data, err := resp.AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return Snapshot{Path: path}, nil
		}

		return Snapshot{}, fmt.Errorf("read %s: %w", path, wrapRedisErr(err))
	}

	return Snapshot{Path: path, Exists: true, Data: data}, nil
}

// List fetches the current direct children of a parent path.
func (s *Store) List(ctx context.Context, parent string) (ChildrenSnapshot, error) {
	snap, err := s.list(ctx, parent)
	if err != nil {
		return ChildrenSnapshot{}, fmt.Errorf("list %s: %w", parent, err)
	}

	return snap, nil
}

// Set writes one path with last-write-wins semantics and publishes the
// new snapshot. Writers needing conflict detection belong on the
// entity store instead.
func (s *Store) Set(ctx context.Context, path string, record any) error {
	data, err := Encode(record)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	cmds := []rueidis.Completed{
		s.client.B().Set().Key(keyPrefix + path).Value(rueidis.BinaryString(data)).Build(),
		s.client.B().Publish().Channel(valueChannel(path)).Message(string(msgSet) + string(data)).Build(),
	}

	if parent, name := parentOf(path); parent != "" {
		cmds = append(cmds, s.client.B().Publish().Channel(childrenChannel(parent)).Message(name).Build())
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("set %s: %w", path, wrapRedisErr(err))
		}
	}

	return nil
}

// Update applies every write and delete in one atomic step. A nil
// value deletes its path. Subscribers on any touched path observe the
// whole batch or none of it; the publishes ride inside the same
// transaction and deliver only after it commits.
func (s *Store) Update(ctx context.Context, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}

	// Encode everything up front so a bad record aborts the batch
	// before any command is queued.
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	encoded := make(map[string][]byte, len(changes))

	for _, path := range paths {
		record := changes[path]
		if record == nil {
			continue
		}

		data, err := Encode(record)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}

		encoded[path] = data
	}

	cmds := make([]rueidis.Completed, 0, len(paths)*2+len(paths)+2)
	cmds = append(cmds, s.client.B().Multi().Build())

	parents := make(map[string]string)

	for _, path := range paths {
		if data, ok := encoded[path]; ok {
			cmds = append(cmds,
				s.client.B().Set().Key(keyPrefix+path).Value(rueidis.BinaryString(data)).Build(),
				s.client.B().Publish().Channel(valueChannel(path)).Message(string(msgSet)+string(data)).Build())
		} else {
			cmds = append(cmds,
				s.client.B().Del().Key(keyPrefix+path).Build(),
				s.client.B().Publish().Channel(valueChannel(path)).Message(string(msgDel)).Build())
		}

		if parent, name := parentOf(path); parent != "" {
			parents[parent] = name
		}
	}

	parentChannels := make([]string, 0, len(parents))
	for parent := range parents {
		parentChannels = append(parentChannels, parent)
	}

	sort.Strings(parentChannels)

	for _, parent := range parentChannels {
		cmds = append(cmds, s.client.B().Publish().Channel(childrenChannel(parent)).Message(parents[parent]).Build())
	}

	cmds = append(cmds, s.client.B().Exec().Build())

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("update: %w", wrapRedisErr(err))
		}
	}

	return nil
}

// Delete removes one path and publishes its removal.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

// Subscribe delivers the current snapshot of a path, then a full new
// snapshot per change, until ctx is canceled. The returned channel
// closes on cancellation or connection loss.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	dc, cancel := s.client.Dedicate()

	relay := make(chan Snapshot, subscribeBuffer)

	wait := dc.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(m rueidis.PubSubMessage) {
			snap, ok := decodeValueMessage(path, m.Message)
			if !ok {
				return
			}

			select {
			case relay <- snap:
			case <-ctx.Done():
			}
		},
	})

	if err := dc.Do(ctx, dc.B().Subscribe().Channel(valueChannel(path)).Build()).Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", path, wrapRedisErr(err))
	}

	// The initial read happens after the subscription is live so no
	// write between the two is lost.
	initial, err := s.Read(ctx, path)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Snapshot, subscribeBuffer)

	go func() {
		defer close(out)
		defer cancel()

		deliver := func(snap Snapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !deliver(initial) {
			return
		}

		for {
			select {
			case snap := <-relay:
				if !deliver(snap) {
					return
				}
			case <-ctx.Done():
				return
			case err := <-wait:
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("Subscription connection lost",
						zap.String("path", path), zap.Error(err))
				}

				return
			}
		}
	}()

	return out, nil
}

// SubscribeChildren delivers the current children of a parent, then a
// full new listing per change, until ctx is canceled. Bursts of writes
// coalesce into one listing; every delivered snapshot is complete.
func (s *Store) SubscribeChildren(ctx context.Context, parent string) (<-chan ChildrenSnapshot, error) {
	dc, cancel := s.client.Dedicate()

	notify := make(chan struct{}, 1)

	wait := dc.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(rueidis.PubSubMessage) {
			select {
			case notify <- struct{}{}:
			default:
			}
		},
	})

	if err := dc.Do(ctx, dc.B().Subscribe().Channel(childrenChannel(parent)).Build()).Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe children %s: %w", parent, wrapRedisErr(err))
	}

	out := make(chan ChildrenSnapshot, subscribeBuffer)

	go func() {
		defer close(out)
		defer cancel()

		emit := func() bool {
			snap, err := s.list(ctx, parent)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}

				// Transient listing failure; the next change triggers
				// another attempt.
				s.logger.Warn("Children listing failed",
					zap.String("parent", parent), zap.Error(err))

				return true
			}

			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}

		for {
			select {
			case <-notify:
				if !emit() {
					return
				}
			case <-ctx.Done():
				return
			case err := <-wait:
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("Subscription connection lost",
						zap.String("parent", parent), zap.Error(err))
				}

				return
			}
		}
	}()

	return out, nil
}

// ReadRecord fetches and decodes one typed record.
func ReadRecord[T any](ctx context.Context, s *Store, path string) (*T, error) {
	snap, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	if !snap.Exists {
		return nil, fmt.Errorf("read %s: %w", path, apperror.ErrNotFound)
	}

	var record T
	if err := Decode(snap.Data, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// list builds a full children snapshot via cursor scan plus MGET.
func (s *Store) list(ctx context.Context, parent string) (ChildrenSnapshot, error) {
	snap := ChildrenSnapshot{Parent: parent, Children: make(map[string][]byte)}
	prefix := keyPrefix + parent + "/"

	var (
		cursor uint64
		keys   []string
	)

	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(prefix+"*").Count(scanCount).Build())

		entry, err := resp.AsScanEntry()
		if err != nil {
			return ChildrenSnapshot{}, wrapRedisErr(err)
		}

		keys = append(keys, entry.Elements...)

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return snap, nil
	}

	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return ChildrenSnapshot{}, wrapRedisErr(err)
	}

	for i, key := range keys {
		if i >= len(values) || values[i].IsNil() {
			// Deleted between scan and fetch.
			continue
		}

		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, "/") {
			// Grandchild; direct children only.
			continue
		}

		data, err := values[i].AsBytes()
		if err != nil {
			return ChildrenSnapshot{}, wrapRedisErr(err)
		}

		snap.Children[name] = data
	}

	return snap, nil
}

func valueChannel(path string) string {
	return valueChannelPrefix + path
}

func childrenChannel(parent string) string {
	return childrenChannelPrefix + parent
}

func decodeValueMessage(path, payload string) (Snapshot, bool) {
	if payload == "" {
		return Snapshot{}, false
	}

	switch payload[0] {
	case msgSet:
		return Snapshot{Path: path, Exists: true, Data: []byte(payload[1:])}, true
	case msgDel:
		return Snapshot{Path: path}, true
	default:
		return Snapshot{}, false
	}
}

// wrapRedisErr folds transport failures into the shared taxonomy.
// Server-side command errors pass through untouched.
func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := rueidis.IsRedisErr(err); ok {
		return err
	}

	return fmt.Errorf("%w: %w", apperror.ErrUnavailable, err)
}
