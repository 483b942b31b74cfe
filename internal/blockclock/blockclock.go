// Package blockclock attaches block timestamps to logs by either a direct
// batch fetch (small ranges) or sampled anchors plus linear interpolation
// (large ranges), ported from the reference implementation's
// blockclock/fetcher.rs.
package blockclock

import (
	"context"
	"fmt"
	"sort"
)

// HeaderSource is the minimal dependency the clock needs from the RPC
// provider: batched header-by-number fetches.
type HeaderSource interface {
	BatchHeadersByNumber(ctx context.Context, numbers []uint64) (map[uint64]Header, error)
}

// Header is the subset of block-header data the clock needs.
type Header struct {
	Number    uint64
	Timestamp uint64
}

const (
	recommendedChunk = 100
	defaultSampleRate = 0.1
)

// FixedCadence describes a chain with deterministic block spacing, letting
// the clock skip sampling entirely below MaxSafeBlock.
type FixedCadence struct {
	GenesisUnix  uint64
	SpacingSecs  uint64
	MaxSafeBlock uint64
}

// fixedCadences is the reference table for chains named in spec.md §4.3.
var fixedCadences = map[string]FixedCadence{
	"base":       {GenesisUnix: 1686789347, SpacingSecs: 2, MaxSafeBlock: 20_000_000},
	"blast":      {GenesisUnix: 1708675201, SpacingSecs: 2, MaxSafeBlock: 10_000_000},
	"soneium":    {GenesisUnix: 1718866800, SpacingSecs: 2, MaxSafeBlock: 5_000_000},
	"worldchain": {GenesisUnix: 1712187600, SpacingSecs: 2, MaxSafeBlock: 5_000_000},
}

// MissingBlockInRange is returned when the attach operation cannot produce
// a timestamp for every requested block.
type MissingBlockInRange struct {
	Network string
	Block   uint64
}

func (e *MissingBlockInRange) Error() string {
	return fmt.Sprintf("missing timestamp for block %d on %s", e.Block, e.Network)
}

// Clock attaches timestamps for one network.
type Clock struct {
	Network string
	Source  HeaderSource
}

// New constructs a Clock for a network.
func New(network string, source HeaderSource) *Clock {
	return &Clock{Network: network, Source: source}
}

// Attach returns a map of block number -> timestamp for every block in
// [first,last] that needs one (blocks already in `known` are not
// re-fetched, satisfying the "never overwritten" invariant at the caller's
// level — this function is pure and only fills gaps in `known`).
func (c *Clock) Attach(ctx context.Context, first, last uint64, known map[uint64]uint64) (map[uint64]uint64, error) {
	if last < first {
		return known, nil
	}

	if cadence, ok := fixedCadences[c.Network]; ok && last <= cadence.MaxSafeBlock {
		out := cloneMap(known)
		for b := first; b <= last; b++ {
			if _, have := out[b]; have {
				continue
			}
			out[b] = cadence.GenesisUnix + b*cadence.SpacingSecs
		}
		return out, nil
	}

	total := last - first + 1
	missing := missingBlocks(first, last, known)
	if len(missing) == 0 {
		return known, nil
	}

	if uint64(len(missing)) <= recommendedChunk || total <= recommendedChunk/2 {
		fetched, err := c.Source.BatchHeadersByNumber(ctx, missing)
		if err != nil {
			return nil, err
		}
		out := cloneMap(known)
		for _, b := range missing {
			h, ok := fetched[b]
			if !ok {
				return nil, &MissingBlockInRange{Network: c.Network, Block: b}
			}
			out[b] = h.Timestamp
		}
		return out, nil
	}

	anchors := sampleAnchors(first, last, defaultSampleRate)
	fetched, err := c.Source.BatchHeadersByNumber(ctx, anchors)
	if err != nil {
		return nil, err
	}
	anchorList := make([]Header, 0, len(fetched))
	for b, h := range fetched {
		anchorList = append(anchorList, Header{Number: b, Timestamp: h.Timestamp})
	}
	sort.Slice(anchorList, func(i, j int) bool { return anchorList[i].Number < anchorList[j].Number })
	if len(anchorList) < 2 {
		return nil, fmt.Errorf("block clock: fewer than 2 anchors resolved for range [%d,%d]", first, last)
	}

	out := cloneMap(known)
	for _, b := range missing {
		t, ok := interpolate(anchorList, b)
		if !ok {
			// bounded recursion: refetch only the blocks still missing.
			return c.Attach(ctx, first, last, out)
		}
		out[b] = t
	}

	// verify totality: any log still lacking a timestamp triggers one more
	// bounded pass restricted to the remainder.
	stillMissing := missingBlocks(first, last, out)
	if len(stillMissing) > 0 {
		return c.Attach(ctx, first, last, out)
	}
	return out, nil
}

func missingBlocks(first, last uint64, known map[uint64]uint64) []uint64 {
	out := make([]uint64, 0, last-first+1)
	for b := first; b <= last; b++ {
		if _, ok := known[b]; !ok {
			out = append(out, b)
		}
	}
	return out
}

func cloneMap(m map[uint64]uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(m)+8)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sampleAnchors picks deduplicated, evenly spaced sample points across
// [first,last], always including both endpoints.
func sampleAnchors(first, last uint64, sampleRate float64) []uint64 {
	total := last - first + 1
	desired := int(ceilFloat(float64(total) * sampleRate))
	if desired < 2 {
		desired = 2
	}
	if uint64(desired) > total {
		desired = int(total)
	}

	seen := make(map[uint64]bool, desired)
	out := make([]uint64, 0, desired)
	add := func(b uint64) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	add(first)
	add(last)
	if desired > 2 {
		step := float64(total-1) / float64(desired-1)
		for i := 1; i < desired-1; i++ {
			b := first + uint64(float64(i)*step)
			add(b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ceilFloat(f float64) float64 {
	i := float64(int64(f))
	if f > i {
		return i + 1
	}
	return i
}

// interpolate finds the bracketing anchor pair for b and linearly
// interpolates the timestamp, per spec.md §4.3 step 4. Returns ok=false
// only when fewer than 2 anchors are available (caller triggers a bounded
// refetch in that case).
func interpolate(anchors []Header, b uint64) (uint64, bool) {
	if len(anchors) < 2 {
		return 0, false
	}
	if b <= anchors[0].Number {
		return extrapolateOrExact(anchors[0], anchors[1], b), true
	}
	if b >= anchors[len(anchors)-1].Number {
		return extrapolateOrExact(anchors[len(anchors)-2], anchors[len(anchors)-1], b), true
	}

	idx := sort.Search(len(anchors), func(i int) bool { return anchors[i].Number >= b })
	if anchors[idx].Number == b {
		return anchors[idx].Timestamp, true
	}
	left, right := anchors[idx-1], anchors[idx]
	return linear(left, right, b), true
}

func extrapolateOrExact(left, right Header, b uint64) uint64 {
	if left.Number == b {
		return left.Timestamp
	}
	if right.Number == b {
		return right.Timestamp
	}
	return linear(left, right, b)
}

// linear computes t = L.t + (b - L.block) * (R.t - L.t) / (R.block - L.block)
// in 64-bit float, per spec.md §4.3. Intentionally not clamped or smoothed
// across out-of-order anchors (spec.md §9 open question (b)): some L2s
// straddle a region where timestamps are not monotonic across anchors, and
// the anchor-derived value is preserved as-is.
func linear(left, right Header, b uint64) uint64 {
	if right.Number == left.Number {
		return left.Timestamp
	}
	lt := float64(left.Timestamp)
	rt := float64(right.Timestamp)
	lb := float64(left.Number)
	rb := float64(right.Number)
	t := lt + (float64(b)-lb)*(rt-lt)/(rb-lb)
	if t <= 0 {
		// strict positivity assertion from spec.md §4.3.
		panic(fmt.Sprintf("blockclock: interpolated timestamp %.2f is not positive for block %d", t, b))
	}
	return uint64(t)
}
