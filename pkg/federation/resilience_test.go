package federation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fedfeeds/pkg/api"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestClient(attempts int) (*ResilientClient, *Metrics) {
	metrics := NopMetrics()
	client := NewResilientClient(zap.NewNop(), metrics)
	client.ConfigureRetry(attempts, 10*time.Millisecond, 0)
	return client, metrics
}

func TestResilientClient_RetriesTransportErrors(t *testing.T) {
	client, metrics := newTestClient(3)

	var attempts int32
	err := client.CallWithRetry(context.Background(), "d2", "propagateSub", func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return status.Error(codes.Unavailable, "service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RetryAttempts.WithLabelValues("propagateSub")))
}

func TestResilientClient_DomainErrorsAreFinal(t *testing.T) {
	client, _ := newTestClient(3)

	var attempts int32
	err := client.CallWithRetry(context.Background(), "d2", "checkUser", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return api.Errorf(api.NotFound, "no such user")
	})

	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestResilientClient_ExhaustionIsTimeout(t *testing.T) {
	client, metrics := newTestClient(2)

	var attempts int32
	err := client.CallWithRetry(context.Background(), "d2", "getMessage", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, api.Timeout, api.CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RemoteCallTimeouts.WithLabelValues("getMessage")))
}

func TestResilientClient_ContextCancellation(t *testing.T) {
	client := NewResilientClient(zap.NewNop(), nil)
	client.ConfigureRetry(5, time.Second, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.CallWithRetry(ctx, "d2", "getMessages", func(ctx context.Context) error {
		return errors.New("connection reset")
	})

	assert.Equal(t, api.Timeout, api.CodeOf(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestResilientClient_FixedBackoff(t *testing.T) {
	client := NewResilientClient(nil, nil)
	client.ConfigureRetry(3, 100*time.Millisecond, 0.2)

	for i := 0; i < 50; i++ {
		delay := client.calculateBackoff()
		if delay < 80*time.Millisecond || delay > 120*time.Millisecond {
			t.Fatalf("delay %v outside ±20%% of 100ms", delay)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"api error", api.ErrForbidden, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("dial tcp: connection refused"), true},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"not found", status.Error(codes.NotFound, "gone"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
