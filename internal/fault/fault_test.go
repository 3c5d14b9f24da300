package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Run("direct classification", func(t *testing.T) {
		err := New(UpstreamTransient, "embeddings unavailable")
		assert.Equal(t, UpstreamTransient, KindOf(err))
	})

	t.Run("survives fmt.Errorf wrapping", func(t *testing.T) {
		inner := New(IndexSkew, "query dim 256, index dim 1536")
		err := fmt.Errorf("stage2: retrieval: %w", inner)
		assert.Equal(t, IndexSkew, KindOf(err))
	})

	t.Run("unclassified errors default to internal", func(t *testing.T) {
		assert.Equal(t, Internal, KindOf(errors.New("boom")))
	})

	t.Run("outermost kind wins on double classification", func(t *testing.T) {
		inner := New(UpstreamTransient, "429 from provider")
		outer := Wrap(UpstreamPermanent, "retries exhausted", inner)
		assert.Equal(t, UpstreamPermanent, KindOf(outer))
	})
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Internal, "nothing", nil))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(UpstreamPermanent, "embed", errors.New("401 unauthorized"))
	assert.Equal(t, "embed: 401 unauthorized", err.Error())
	assert.EqualError(t, errors.Unwrap(err.(*Error)), "401 unauthorized")
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return New(UpstreamPermanent, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")
}

func TestRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return New(UpstreamTransient, "503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return New(UpstreamTransient, "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, UpstreamTransient, KindOf(err))
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, 50*time.Millisecond, func() error {
		return New(UpstreamTransient, "flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
