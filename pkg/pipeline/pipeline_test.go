package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableByClass(t *testing.T) {
	assert.True(t, Retryable(ClassNetwork))
	assert.True(t, Retryable(ClassTimeout))
	assert.True(t, Retryable(ClassServer))
	assert.True(t, Retryable(ClassRateLimit))
	assert.True(t, Retryable(ClassParse))
	assert.True(t, Retryable(ClassValidate))

	assert.False(t, Retryable(ClassAuth))
	assert.False(t, Retryable(ClassQuota))
	assert.False(t, Retryable(ClassUnknownChannel))
	assert.False(t, Retryable(ClassUnknown))
}

func TestClassOfWalksWrapChain(t *testing.T) {
	inner := Classify(ClassServer, errors.New("503"))
	wrapped := fmt.Errorf("fetch posts: %w", inner)
	assert.Equal(t, ClassServer, ClassOf(wrapped))
	assert.Equal(t, ClassUnknown, ClassOf(errors.New("plain")))
}

func TestRateLimitedCarriesReset(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	err := RateLimited(errors.New("429"), reset)
	require.NotNil(t, RetryAfterOf(err))
	assert.Equal(t, reset, *RetryAfterOf(err))
	assert.Nil(t, RetryAfterOf(errors.New("plain")))
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		lo := base << (attempt - 1)
		hi := time.Duration(float64(lo) * 1.3)
		for i := 0; i < 50; i++ {
			d := BackoffDelay(base, attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.Less(t, d, hi)
		}
	}
}
