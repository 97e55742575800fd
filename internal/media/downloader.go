// Package media downloads and caches remote profile objects.
package media

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/setup/config"
	"github.com/ambleapp/amble/internal/setup/logging"
	"github.com/jaxron/axonet/middleware/circuitbreaker"
	"github.com/jaxron/axonet/middleware/retry"
	"github.com/jaxron/axonet/middleware/singleflight"
	"github.com/jaxron/axonet/pkg/client"
	"go.uber.org/zap"
)

// Downloader fetches remote objects over HTTP.
type Downloader struct {
	client *client.Client
	logger *zap.Logger
}

// NewDownloader constructs an HTTP client with a middleware chain for reliability.
func NewDownloader(cfg *config.CommonConfig, zapLogger *zap.Logger, requestTimeout time.Duration) *Downloader {
	httpClient := client.NewClient(
		client.WithLogger(logging.NewAxonet(zapLogger)),
		client.WithTimeout(requestTimeout),
		client.WithMiddleware(
			circuitbreaker.New(
				cfg.CircuitBreaker.MaxRequests,
				time.Duration(cfg.CircuitBreaker.Interval)*time.Millisecond,
				time.Duration(cfg.CircuitBreaker.Timeout)*time.Millisecond,
			),
			retry.New(
				cfg.Retry.MaxRetries,
				time.Duration(cfg.Retry.Delay)*time.Millisecond,
				time.Duration(cfg.Retry.MaxDelay)*time.Millisecond,
			),
			singleflight.New(),
		),
	)

	return &Downloader{
		client: httpClient,
		logger: zapLogger.Named("media_download"),
	}
}

// Download fetches the object at the given URL.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := d.client.NewRequest().Method(http.MethodGet).URL(url).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", apperror.ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download %s: HTTP %d", statusErr(resp.StatusCode), url, resp.StatusCode)
	}

	// Read object data
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", apperror.ErrUnavailable, url, err)
	}

	d.logger.Debug("Downloaded object",
		zap.String("url", url),
		zap.Int("bytes", buf.Len()))

	return buf.Bytes(), nil
}

// statusErr maps an HTTP status to the shared error taxonomy.
func statusErr(status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return apperror.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperror.ErrPermissionDenied
	default:
		return apperror.ErrUnavailable
	}
}
