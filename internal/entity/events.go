package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/entity/dbretry"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/entity/types/enum"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// EventCollection provides reads and writes on the events collection.
type EventCollection struct {
	db     *bun.DB
	logger *zap.Logger
}

// Get fetches one event document by ID.
func (c *EventCollection) Get(ctx context.Context, id string) (*types.Event, error) {
	event, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.Event, error) {
		event := new(types.Event)
		if err := c.db.NewSelect().Model(event).Where("id = ?", id).Scan(ctx); err != nil {
			return nil, err
		}

		return event, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}

	return event, nil
}

// Put writes one event document, inserting or replacing the stored row.
func (c *EventCollection) Put(ctx context.Context, event *types.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrInvalidData, err)
	}

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		return upsertEvent(ctx, c.db, event)
	})
	if err != nil {
		return fmt.Errorf("put event %s: %w", event.ID, err)
	}

	c.logger.Debug("Saved event", zap.String("id", event.ID))

	return nil
}

// ByHost returns the events hosted by one user, soonest first.
func (c *EventCollection) ByHost(ctx context.Context, hostID string) ([]*types.Event, error) {
	events, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Event, error) {
		var events []*types.Event

		err := c.db.NewSelect().
			Model(&events).
			Where("host_id = ?", hostID).
			OrderExpr("starts_at ASC").
			Scan(ctx)

		return events, err
	})
	if err != nil {
		return nil, fmt.Errorf("query events by host %s: %w", hostID, err)
	}

	return events, nil
}

// Upcoming returns the public upcoming feed, soonest first.
func (c *EventCollection) Upcoming(ctx context.Context, limit int) ([]*types.Event, error) {
	events, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Event, error) {
		var events []*types.Event

		err := c.db.NewSelect().
			Model(&events).
			Where("visibility = ?", enum.EventVisibilityPublic).
			Where("status = ?", enum.EventStatusUpcoming).
			OrderExpr("starts_at ASC").
			Limit(limit).
			Scan(ctx)

		return events, err
	})
	if err != nil {
		return nil, fmt.Errorf("query upcoming events: %w", err)
	}

	return events, nil
}

// upsertEvent writes an event row on either a plain connection or an
// open transaction.
func upsertEvent(ctx context.Context, idb bun.IDB, event *types.Event) error {
	event.UpdatedAt = time.Now().UTC()

	_, err := idb.NewInsert().
		Model(event).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("description = EXCLUDED.description").
		Set("location = EXCLUDED.location").
		Set("starts_at = EXCLUDED.starts_at").
		Set("type = EXCLUDED.type").
		Set("visibility = EXCLUDED.visibility").
		Set("tags = EXCLUDED.tags").
		Set("attendee_ids = EXCLUDED.attendee_ids").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}
