// Package dbretry wraps entity store operations with bounded retries
// and translates driver errors into the shared taxonomy.
package dbretry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 30 * time.Second
	initialInterval = 500 * time.Millisecond
	maxInterval     = 5 * time.Second
	maxRetries      = uint64(5)
)

// IsRetryableError checks if the given error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check for specific PostgreSQL error codes
	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		// Retry on connection errors (class 08)
		// Retry on serialization failures and deadlocks (class 40)
		// Retry on temporary resource failures (class 53)
		// Retry on operator intervention (class 57)
		switch pgerr.Field('C') {
		case "08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006", // connection_failure
			"08001", // sqlclient_unable_to_establish_sqlconnection
			"08004", // sqlserver_rejected_establishment_of_sqlconnection
			"08007", // transaction_resolution_unknown
			"08P01", // protocol_violation
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"53000", // insufficient_resources
			"53100", // disk_full
			"53200", // out_of_memory
			"53300", // too_many_connections
			"57000", // operator_intervention
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03", // cannot_connect_now
			"55P03": // lock_not_available
			return true
		}
	}

	// SQLite reports lock contention as plain text through the
	// database/sql layer, so the in-memory test dialect retries too.
	errMsg := err.Error()
	if strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked") {
		return true
	}

	// Check for common network error strings
	if strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no connection") ||
		strings.Contains(errMsg, "i/o timeout") ||
		strings.Contains(errMsg, "EOF") {
		return true
	}

	return false
}

// Classify translates a driver error into the shared taxonomy,
// keeping the original chain intact. Errors already carrying a
// taxonomy sentinel pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if apperror.Retryable(err) || apperror.Fatal(err) || errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", apperror.ErrNotFound, err)
	}

	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		code := pgerr.Field('C')

		switch {
		case code == "42501" || strings.HasPrefix(code, "28"):
			return fmt.Errorf("%w: %w", apperror.ErrPermissionDenied, err)
		case strings.HasPrefix(code, "40"):
			return fmt.Errorf("%w: %w", apperror.ErrConflict, err)
		case strings.HasPrefix(code, "08"),
			strings.HasPrefix(code, "53"),
			strings.HasPrefix(code, "57"):
			return fmt.Errorf("%w: %w", apperror.ErrUnavailable, err)
		}
	}

	if IsRetryableError(err) {
		return fmt.Errorf("%w: %w", apperror.ErrUnavailable, err)
	}

	return err
}

// Operation wraps a database operation with retry logic.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var result T

	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)

	err := backoff.Retry(func() error {
		var err error

		result, err = operation(ctx)
		if err != nil {
			if !IsRetryableError(err) {
				return backoff.Permanent(err)
			}

			lastErr = err

			return err
		}

		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if lastErr != nil {
			// Surface the last driver error, not the retry bookkeeping.
			return result, Classify(fmt.Errorf("operation failed after retries: %w", lastErr))
		}

		return result, Classify(err)
	}

	return result, nil
}

// NoResult wraps a database operation that doesn't return a result.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	_, err := Operation(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})

	return err
}

// Transaction wraps a database transaction with retry logic. The
// closure may be replayed, so it must stay free of side effects beyond
// reads and writes on the transaction itself.
func Transaction(ctx context.Context, db *bun.DB, opts *sql.TxOptions, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
			return fn(ctx, tx)
		})
	})
}
