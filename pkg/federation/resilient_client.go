package federation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"fedfeeds/pkg/api"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// ResilientClient runs remote calls under a bounded retry policy: a fixed
// number of attempts separated by a fixed delay. Persistent transport
// failure becomes a TIMEOUT error instead of blocking the caller.
type ResilientClient struct {
	logger  *zap.Logger
	metrics *Metrics

	// Retry configuration
	maxAttempts  int
	delay        time.Duration
	jitterFactor float64
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// NewResilientClient creates a client with the default retry policy
func NewResilientClient(logger *zap.Logger, metrics *Metrics) *ResilientClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	return &ResilientClient{
		logger:      logger,
		metrics:     metrics,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultRetryDelay,
	}
}

// ConfigureRetry sets retry parameters. Non-positive values keep the
// current setting.
func (rc *ResilientClient) ConfigureRetry(maxAttempts int, delay time.Duration, jitterFactor float64) {
	if maxAttempts > 0 {
		rc.maxAttempts = maxAttempts
	}
	if delay > 0 {
		rc.delay = delay
	}
	if jitterFactor >= 0 && jitterFactor < 1 {
		rc.jitterFactor = jitterFactor
	}
}

// CallWithRetry executes fn until it succeeds, fails with a non-retryable
// error, or runs out of attempts.
func (rc *ResilientClient) CallWithRetry(ctx context.Context, target, operation string, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt < rc.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return api.Errorf(api.Timeout, "%s on %s: %v", operation, target, ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return err
		}

		lastErr = err
		rc.logger.Debug("Remote call failed, retrying",
			zap.String("target", target),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep after the last attempt
		if attempt < rc.maxAttempts-1 {
			rc.metrics.RetryAttempts.WithLabelValues(operation).Inc()
			select {
			case <-time.After(rc.calculateBackoff()):
			case <-ctx.Done():
				return api.Errorf(api.Timeout, "%s on %s: %v", operation, target, ctx.Err())
			}
		}
	}

	rc.metrics.RemoteCallTimeouts.WithLabelValues(operation).Inc()
	rc.logger.Warn("Remote call exhausted retries",
		zap.String("target", target),
		zap.String("operation", operation),
		zap.Int("attempts", rc.maxAttempts),
		zap.Error(lastErr))

	return &api.Error{
		Code:    api.Timeout,
		Message: fmt.Sprintf("%s on %s failed after %d attempts: %v", operation, target, rc.maxAttempts, lastErr),
	}
}

// calculateBackoff returns the fixed delay with optional jitter
func (rc *ResilientClient) calculateBackoff() time.Duration {
	delay := float64(rc.delay)

	// Add jitter (±jitterFactor)
	jitter := delay * rc.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(rc.delay)
	}

	return time.Duration(delay)
}

// IsRetryable determines if an error should trigger a retry. Errors a peer
// service produced deliberately are final; transport failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error: connection refused, reset, HTTP transport failure
		return true
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Unknown:
		return true
	default:
		return false
	}
}
