// Package nats publishes decoded events onto a NATS JetStream stream, one
// of the Batch Writer's alternate outputs alongside the relational store.
// It is the generalization of the teacher's internal/nats.Publisher from a
// single fixed "POLYMARKET" stream/subject scheme to one stream per
// indexer with a subject keyed by contract and event name.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rs/zerolog"
)

const streamCreateTimeout = 10 * time.Second

// wireEvent is the JSON shape published to the stream: model.DecodedEvent's
// go-ethereum types stringified the same way the relational writer does,
// so downstream consumers never need an ABI to read the payload.
type wireEvent struct {
	Network         string         `json:"network"`
	ContractAddress string         `json:"contract_address"`
	BlockHash       string         `json:"block_hash"`
	BlockNumber     uint64         `json:"block_number"`
	BlockTimestamp  *uint64        `json:"block_timestamp,omitempty"`
	TxHash          string         `json:"tx_hash"`
	TxIndex         uint           `json:"tx_index"`
	LogIndex        uint           `json:"log_index"`
	EventName       string         `json:"event_name"`
	Params          map[string]any `json:"params"`
}

// Sink publishes decoded events to a per-indexer JetStream stream with
// txHash-logIndex deduplication.
type Sink struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
}

// New connects to natsURL, creates (or updates) the indexer's stream and
// returns a Sink ready to Publish. persistDuration bounds the stream's
// message retention; zero means "keep forever," per JetStream's own
// convention for MaxAge.
func New(natsURL, indexerName string, persistDuration time.Duration, logger zerolog.Logger) (*Sink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(indexerName+"-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	streamName := streamNameFor(indexerName)
	subjectPattern := streamName + ".>"

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPattern},
		MaxAge:     persistDuration,
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	logger.Info().Str("stream", streamName).Str("subjects", subjectPattern).Dur("max_age", persistDuration).Msg("nats sink initialized")

	return &Sink{js: js, nc: nc, logger: logger, prefix: streamName}, nil
}

// Publish sends each event to "<STREAM>.<Contract>.<Event>", deduplicated
// by txHash-logIndex within JetStream's duplicate window.
func (s *Sink) Publish(ctx context.Context, contract string, events []model.DecodedEvent) error {
	for _, ev := range events {
		if err := s.publishOne(ctx, contract, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) publishOne(ctx context.Context, contract string, ev model.DecodedEvent) error {
	subject := fmt.Sprintf("%s.%s.%s", s.prefix, contract, ev.EventName)

	w := wireEvent{
		Network:         ev.Network,
		ContractAddress: ev.ContractAddress.Hex(),
		BlockHash:       ev.BlockHash.Hex(),
		BlockNumber:     ev.BlockNumber,
		BlockTimestamp:  ev.BlockTimestamp,
		TxHash:          ev.TxHash.Hex(),
		TxIndex:         ev.TxIndex,
		LogIndex:        ev.LogIndex,
		EventName:       ev.EventName,
		Params:          stringifyParams(ev.Params),
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d", w.TxHash, w.LogIndex)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Str("msg_id", msgID).Uint64("block", w.BlockNumber).Msg("failed to publish event")
		return fmt.Errorf("publish to nats: %w", err)
	}
	return nil
}

// stringifyParams renders any fmt.Stringer-implementing decoded param
// (*big.Int, common.Address, common.Hash, ...) as text so json.Marshal
// never trips over an unexported field.
func stringifyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(fmt.Stringer); ok {
			out[k] = s.String()
			continue
		}
		out[k] = v
	}
	return out
}

func streamNameFor(indexerName string) string {
	out := make([]byte, 0, len(indexerName))
	for _, r := range indexerName {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-'a'+'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Close closes the NATS connection.
func (s *Sink) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("nats sink closed")
	}
}

// Healthy reports whether the underlying NATS connection is up.
func (s *Sink) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}
