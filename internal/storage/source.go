package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OpenLiberty/open-liberty-sub342/internal/logging"
)

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// newFetchClient returns the client used for remote locations.
func newFetchClient(log *logging.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = retryLogger{log.Named("fetch").Sugar()}
	return c
}

// newFetchLimiter returns the remote fetch limiter; a zero rate is
// unlimited.
func newFetchLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// openRemote fetches a remote location. The caller closes the body.
func (s *Storage) openRemote(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := s.fetchLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, location, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: unexpected status %s", ErrRead, location, resp.Status)
	}
	s.log.Debug("Fetched remote content",
		zap.String("location", location),
		zap.Int64("content_length", resp.ContentLength))
	return resp.Body, nil
}

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	l *zap.SugaredLogger
}

func (r retryLogger) Error(msg string, kv ...interface{}) { r.l.Errorw(msg, kv...) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.l.Debugw(msg, kv...) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.l.Debugw(msg, kv...) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.l.Warnw(msg, kv...) }
