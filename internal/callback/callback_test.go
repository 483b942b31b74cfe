package callback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	r := New(zerolog.Nop())
	var calls atomic.Int32
	r.Register("evt", nil, func(ctx context.Context, events []model.DecodedEvent) error {
		n := calls.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})

	err := r.Dispatch(context.Background(), "evt", nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDispatchAbortsOnCancellation(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register("evt", nil, func(ctx context.Context, events []model.DecodedEvent) error {
		return errors.New("always fails")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Dispatch(ctx, "evt", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchUnknownIDIsNoop(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.Dispatch(context.Background(), "missing", nil))
}

func TestHasHandler(t *testing.T) {
	r := New(zerolog.Nop())
	require.False(t, r.HasHandler("evt"))
	r.Register("evt", nil, func(context.Context, []model.DecodedEvent) error { return nil })
	require.True(t, r.HasHandler("evt"))
}
