package entity

import (
	"context"
	"fmt"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/entity/dbretry"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/uptrace/bun"
)

// Tx exposes typed reads and writes inside one entity transaction.
// Errors returned from its methods abort the transaction; retryable
// failures are replayed by the surrounding Transact call.
type Tx struct {
	tx bun.Tx
}

// User fetches one user document inside the transaction snapshot.
func (t *Tx) User(ctx context.Context, id string) (*types.User, error) {
	user := new(types.User)
	if err := t.tx.NewSelect().Model(user).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, dbretry.Classify(err))
	}

	return user, nil
}

// PutUser writes one user document inside the transaction.
func (t *Tx) PutUser(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrInvalidData, err)
	}

	if err := upsertUser(ctx, t.tx, user); err != nil {
		return fmt.Errorf("put user %s: %w", user.ID, err)
	}

	return nil
}

// Event fetches one event document inside the transaction snapshot.
func (t *Tx) Event(ctx context.Context, id string) (*types.Event, error) {
	event := new(types.Event)
	if err := t.tx.NewSelect().Model(event).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, dbretry.Classify(err))
	}

	return event, nil
}

// PutEvent writes one event document inside the transaction.
func (t *Tx) PutEvent(ctx context.Context, event *types.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrInvalidData, err)
	}

	if err := upsertEvent(ctx, t.tx, event); err != nil {
		return fmt.Errorf("put event %s: %w", event.ID, err)
	}

	return nil
}
