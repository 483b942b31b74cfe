// Package scheduler orders event dispatch across a declared dependency DAG
// so a dependent event never processes block b until every predecessor has
// processed block b (spec.md §4.7).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rindexer-go/rindexer/internal/watermark"
)

// WatermarkReader is the subset of watermark.Resolver the scheduler polls.
type WatermarkReader interface {
	Resolve(ctx context.Context, key model.WatermarkKey) (uint64, bool, error)
}

// Graph holds the dependency DAG: event id -> direct predecessor ids.
type Graph struct {
	indexer      string
	predecessors map[string][]model.WatermarkKey
	reader       WatermarkReader
	pollInterval time.Duration
}

// New builds a Graph from the event catalog, validating it is acyclic.
// A cyclic declaration is a configuration error, fatal at start.
func New(indexer string, events []*model.EventDescriptor, reader WatermarkReader) (*Graph, error) {
	byID := make(map[string]*model.EventDescriptor, len(events))
	for _, e := range events {
		byID[e.ID()] = e
	}

	g := &Graph{
		indexer:      indexer,
		predecessors: make(map[string][]model.WatermarkKey),
		reader:       reader,
		pollInterval: 250 * time.Millisecond,
	}

	for _, e := range events {
		for _, depID := range e.DependsOn {
			dep, ok := byID[depID]
			if !ok {
				return nil, fmt.Errorf("event %s depends on unknown event %s", e.ID(), depID)
			}
			g.predecessors[e.ID()] = append(g.predecessors[e.ID()], model.WatermarkKey{
				Indexer: indexer, Contract: dep.ContractName, Event: dep.EventName, Network: dep.Network,
			})
		}
	}

	if err := detectCycle(events); err != nil {
		return nil, err
	}
	return g, nil
}

func detectCycle(events []*model.EventDescriptor) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]*model.EventDescriptor, len(events))
	for _, e := range events {
		byID[e.ID()] = e
	}
	color := make(map[string]int, len(events))

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		color[id] = gray
		e := byID[id]
		for _, depID := range e.DependsOn {
			switch color[depID] {
			case gray:
				return fmt.Errorf("cyclic event dependency: %v -> %s", stack, depID)
			case white:
				if err := visit(depID, append(stack, depID)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, e := range events {
		if color[e.ID()] == white {
			if err := visit(e.ID(), []string{e.ID()}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Barrier blocks until every direct predecessor of eventID has a watermark
// at or beyond block, or the context is cancelled. Events with no declared
// dependency return immediately (embarrassingly parallel, per spec.md
// §4.7).
func (g *Graph) Barrier(ctx context.Context, eventID string, block uint64) error {
	preds := g.predecessors[eventID]
	if len(preds) == 0 {
		return nil
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		ready := true
		for _, key := range preds {
			v, ok, err := g.reader.Resolve(ctx, key)
			if err != nil {
				return fmt.Errorf("scheduler barrier read for %s: %w", eventID, err)
			}
			if !ok || v < block {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// compile-time interface satisfaction check.
var _ WatermarkReader = (*watermark.Resolver)(nil)
