package adaptive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsHoldAfterRandomSequence(t *testing.T) {
	c := New()
	ops := []func(){c.RecordSuccess, c.RecordRateLimit, c.RecordError}
	for i := 0; i < 500; i++ {
		ops[i%len(ops)]()
		assert.GreaterOrEqual(t, c.Current(), minConcurrency)
		assert.LessOrEqual(t, c.Current(), maxConcurrency)
		assert.GreaterOrEqual(t, c.CurrentBatchSize(), minBatch)
		assert.LessOrEqual(t, c.CurrentBatchSize(), maxBatch)
		assert.GreaterOrEqual(t, c.CurrentBackoffMs(), int64(0))
		assert.LessOrEqual(t, c.CurrentBackoffMs(), int64(maxBackoffMs))
	}
}

func TestRateLimitThenSuccessSequence(t *testing.T) {
	c := New()
	startConcurrency := c.Current()
	startBatch := c.CurrentBatchSize()

	c.RecordRateLimit()
	require.GreaterOrEqual(t, c.CurrentBackoffMs(), int64(500))
	require.Equal(t, startBatch/2, c.CurrentBatchSize())
	require.Equal(t, startConcurrency/2, c.Current())
	require.Equal(t, int64(1), c.RateLimitCount())

	priorBackoff := c.CurrentBackoffMs()
	c.RecordSuccess()
	require.Equal(t, int64(1), c.consecutiveOK.Load())
	require.Equal(t, priorBackoff-priorBackoff/4, c.CurrentBackoffMs())
}

func TestScaleUpAtThreshold(t *testing.T) {
	c := New()
	for i := 0; i < scaleUpThreshold-1; i++ {
		c.RecordSuccess()
	}
	require.Equal(t, initConcurrency, c.Current())

	c.RecordSuccess()
	require.Greater(t, c.Current(), initConcurrency)
	require.Equal(t, int64(0), c.consecutiveOK.Load())
}

func TestRecordErrorShrinksConcurrencyOnly(t *testing.T) {
	c := New()
	batchBefore := c.CurrentBatchSize()
	c.RecordError()
	require.Less(t, c.Current(), initConcurrency)
	require.Equal(t, batchBefore, c.CurrentBatchSize())
}
