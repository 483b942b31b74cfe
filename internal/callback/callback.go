// Package callback maps (contract,event,network) to a decoder and user
// handler and dispatches decoded batches with exponential backoff retry,
// generalizing the teacher's event_log_handler_router.go from nine
// hardcoded Polymarket handlers to an arbitrary, manifest-driven catalog,
// and porting the retry loop from the reference implementation's
// event/callback_registry.rs.
package callback

import (
	"context"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rs/zerolog"
)

// Decoder turns a raw log's topics and data into decoded parameters.
type Decoder func(log types.Log) (map[string]any, error)

// Handler processes one batch of decoded events for a single
// (contract,event,network). Returning an error triggers the retry policy.
type Handler func(ctx context.Context, events []model.DecodedEvent) error

type registration struct {
	id      string
	decoder Decoder
	handler Handler
}

// Registry maps event ids to their decoder and handler.
type Registry struct {
	entries map[string]*registration
	logger  zerolog.Logger
}

// New constructs an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*registration),
		logger:  logger.With().Str("component", "callback").Logger(),
	}
}

// Register binds a decoder and handler to an event id (EventDescriptor.ID()).
func (r *Registry) Register(id string, decoder Decoder, handler Handler) {
	r.entries[id] = &registration{id: id, decoder: decoder, handler: handler}
}

// HasHandler reports whether an id has a registered handler.
func (r *Registry) HasHandler(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Decode runs the registered decoder for an event id against a raw log.
func (r *Registry) Decode(id string, log types.Log) (map[string]any, error) {
	reg, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	return reg.decoder(log)
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

// Dispatch invokes the handler for id with retry: exponential backoff
// starting at 100ms, doubling, capped at 15s, indefinitely while ctx is
// alive. On ctx cancellation, dispatch aborts and returns ctx.Err() without
// a further retry, matching the shutdown-aware abort in spec.md §4.9.
func (r *Registry) Dispatch(ctx context.Context, id string, events []model.DecodedEvent) error {
	reg, ok := r.entries[id]
	if !ok {
		return nil
	}

	backoff := initialBackoff
	attempt := 0
	for {
		attempt++
		err := reg.handler(ctx, events)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn().
			Str("event_id", id).
			Int("attempt", attempt).
			Err(err).
			Msg("handler failed, retrying")

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// DecodeIndexed is a small helper that unpacks the non-indexed ABI-typed
// arguments from log data, keyed by argument name. It does not read the
// log's topics, so indexed arguments are absent from the result.
func DecodeIndexed(args abi.Arguments, log types.Log) (map[string]any, error) {
	out := make(map[string]any)
	values, err := args.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, err
	}
	i := 0
	for _, arg := range args.NonIndexed() {
		out[arg.Name] = values[i]
		i++
	}
	return out, nil
}
