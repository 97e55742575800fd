package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/entity/dbretry"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// UserCollection provides reads and writes on the users collection.
type UserCollection struct {
	db     *bun.DB
	logger *zap.Logger
}

// Get fetches one user document by ID.
func (c *UserCollection) Get(ctx context.Context, id string) (*types.User, error) {
	user, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.User, error) {
		user := new(types.User)
		if err := c.db.NewSelect().Model(user).Where("id = ?", id).Scan(ctx); err != nil {
			return nil, err
		}

		return user, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	return user, nil
}

// Put writes one user document, inserting or replacing the stored row.
func (c *UserCollection) Put(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperror.ErrInvalidData, err)
	}

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		return upsertUser(ctx, c.db, user)
	})
	if err != nil {
		return fmt.Errorf("put user %s: %w", user.ID, err)
	}

	c.logger.Debug("Saved user", zap.String("id", user.ID))

	return nil
}

// ByUsername fetches the user holding the given username.
func (c *UserCollection) ByUsername(ctx context.Context, username string) (*types.User, error) {
	user, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.User, error) {
		user := new(types.User)
		if err := c.db.NewSelect().Model(user).Where("username = ?", username).Scan(ctx); err != nil {
			return nil, err
		}

		return user, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get user by username %s: %w", username, err)
	}

	return user, nil
}

// ByPhoneHashes returns the users whose phone hash appears in hashes.
// Contact matching sends hashes only, never raw numbers.
func (c *UserCollection) ByPhoneHashes(ctx context.Context, hashes []string) ([]*types.User, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	users, err := dbretry.Operation(ctx, func(ctx context.Context) ([]*types.User, error) {
		var users []*types.User

		err := c.db.NewSelect().
			Model(&users).
			Where("phone_hash IN (?)", bun.In(hashes)).
			Scan(ctx)

		return users, err
	})
	if err != nil {
		return nil, fmt.Errorf("query users by phone hash: %w", err)
	}

	return users, nil
}

// upsertUser writes a user row on either a plain connection or an open
// transaction. CreatedAt is preserved across replacements.
func upsertUser(ctx context.Context, idb bun.IDB, user *types.User) error {
	user.UpdatedAt = time.Now().UTC()

	_, err := idb.NewInsert().
		Model(user).
		On("CONFLICT (id) DO UPDATE").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("username = EXCLUDED.username").
		Set("phone_number = EXCLUDED.phone_number").
		Set("phone_hash = EXCLUDED.phone_hash").
		Set("friend_ids = EXCLUDED.friend_ids").
		Set("created_event_ids = EXCLUDED.created_event_ids").
		Set("attending_event_ids = EXCLUDED.attending_event_ids").
		Set("visited_landmark_ids = EXCLUDED.visited_landmark_ids").
		Set("last_location = EXCLUDED.last_location").
		Set("profile_image = EXCLUDED.profile_image").
		Set("sharing_location = EXCLUDED.sharing_location").
		Set("do_not_disturb = EXCLUDED.do_not_disturb").
		Set("notifications_enabled = EXCLUDED.notifications_enabled").
		Set("private_profile = EXCLUDED.private_profile").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}
