package catalog

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer-go/rindexer/internal/manifest"
)

// DecoderFunc turns a raw log into its decoded parameters, keyed by ABI
// argument name. It has the same shape as callback.Decoder without this
// package importing callback, so callers wire it in directly.
type DecoderFunc func(log types.Log) (map[string]any, error)

// BuildDecoders returns one DecoderFunc per EventDescriptor Build would
// produce, keyed by EventDescriptor.ID(), using accounts/abi directly
// rather than generated contract bindings: the teacher hand-writes one
// HandleXxx per event (internal/handler/events.go) because it only ever
// indexes two fixed contracts; a manifest-driven catalog instead unpacks
// generically from each event's ABI argument list.
func BuildDecoders(m *manifest.Manifest, abis map[string]abi.ABI) (map[string]DecoderFunc, error) {
	out := make(map[string]DecoderFunc)

	for _, c := range m.Contracts {
		parsed, ok := abis[c.Name]
		if !ok {
			return nil, fmt.Errorf("no ABI loaded for contract %s", c.Name)
		}
		include := includeSet(c.IncludeEvents)

		for _, ev := range parsed.Events {
			if include != nil && !include[ev.Name] {
				continue
			}
			dec := decoderFor(ev)
			for _, detail := range c.Details {
				out[dependencyID(c.Name, ev.Name, detail.Network)] = dec
			}
		}
	}
	return out, nil
}

// decoderFor closes over one ABI event, splitting its inputs into indexed
// (read from topics) and non-indexed (read from data) and unpacking both.
// Indexed dynamic-type arguments (string, bytes, slices, arrays) only
// survive in a log as their keccak hash per the ABI spec, so those are
// reported as the raw topic hex rather than a recovered value.
func decoderFor(ev abi.Event) DecoderFunc {
	var indexedArgs abi.Arguments
	var dataArgs abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexedArgs = append(indexedArgs, in)
		} else {
			dataArgs = append(dataArgs, in)
		}
	}

	return func(log types.Log) (map[string]any, error) {
		if len(log.Topics) < len(indexedArgs)+1 {
			return nil, fmt.Errorf("event %s: log has %d topics, want at least %d", ev.Name, len(log.Topics), len(indexedArgs)+1)
		}

		out := make(map[string]any, len(ev.Inputs))
		for i, arg := range indexedArgs {
			topic := log.Topics[i+1]
			if isDynamicType(arg.Type) {
				out[arg.Name] = topic.Hex()
				continue
			}
			vals, err := abi.Arguments{arg}.Unpack(topic.Bytes())
			if err != nil {
				return nil, fmt.Errorf("event %s: unpack indexed %s: %w", ev.Name, arg.Name, err)
			}
			out[arg.Name] = vals[0]
		}

		if len(dataArgs) > 0 {
			vals, err := dataArgs.Unpack(log.Data)
			if err != nil {
				return nil, fmt.Errorf("event %s: unpack data: %w", ev.Name, err)
			}
			for i, arg := range dataArgs {
				out[arg.Name] = vals[i]
			}
		}
		return out, nil
	}
}

func isDynamicType(t abi.Type) bool {
	switch t.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy:
		return true
	default:
		return false
	}
}
