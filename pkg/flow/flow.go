// Package flow orchestrates a dataset run: it seeds sources, runs one
// pipeline branch per source concurrently, aggregates the loaded fragments
// once all branches have joined and exports the dataset index.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/graph"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	"golang.org/x/sync/errgroup"
)

// ErrSourcesFailed is returned when at least one source failed. The run
// still aggregates and exports the sources that succeeded.
var ErrSourcesFailed = errors.New("one or more sources failed")

// Notifier announces finished runs.
type Notifier interface {
	Notify(ctx context.Context, topic string, body []byte) error
}

// BranchResult is the outcome of one source.
type BranchResult struct {
	Source string
	State  string
	Result *pipeline.Result
	Err    error
}

// Result is the outcome of a run.
type Result struct {
	RunID      string
	Dataset    string
	State      string
	Branches   []BranchResult
	Parts      []string
	Fragments  int
	Aggregated bool
	Stats      graph.Stats
	IndexURI   string
}

// Failed returns the branches that did not finish.
func (r *Result) Failed() []BranchResult {
	var out []BranchResult
	for _, b := range r.Branches {
		if b.Err != nil {
			out = append(out, b)
		}
	}
	return out
}

type Runner struct {
	pc       *pipeline.Context
	h        pipeline.Handlers
	notifier Notifier
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithClock replaces the clock used for the index timestamp.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

func NewRunner(pc *pipeline.Context, h pipeline.Handlers, opts ...RunnerOption) *Runner {
	r := &Runner{
		pc:  pc,
		h:   h,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the dataset. A failing source never stops the others; when
// any source failed the run ends in state failed and the returned error
// wraps ErrSourcesFailed together with every branch error. Seed, aggregate
// and export failures abort the run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	cfg := r.pc.Config
	rm := newRunMachine(cfg.Name)
	result := &Result{
		RunID:    r.pc.RunID,
		Dataset:  cfg.Name,
		IndexURI: cfg.Load.IndexURI,
	}
	fail := func(err error) (*Result, error) {
		r.transition(ctx, rm, "fail")
		result.State = rm.state()
		logger.Error("[Flow] Run failed", "dataset", cfg.Name, "run_id", r.pc.RunID, "error", err)
		return result, err
	}

	logger.Info("[Flow] Starting run", "dataset", cfg.Name, "run_id", r.pc.RunID)

	sources := slices.Clone(cfg.Extract.Sources)
	if r.h.Seed != nil {
		r.transition(ctx, rm, "seed")
		seeded, err := r.h.Seed(ctx, r.pc)
		if err != nil {
			return fail(fmt.Errorf("failed to seed sources: %w", err))
		}
		sources = append(sources, seeded...)
	}
	sources = uniqueSources(sources)
	if len(sources) == 0 {
		logger.Warn("[Flow] No sources to process", "dataset", cfg.Name)
	}

	r.transition(ctx, rm, "start")
	result.Branches = r.runBranches(ctx, sources)
	r.transition(ctx, rm, "join")

	var branchErrs []error
	for _, b := range result.Branches {
		if b.Err != nil {
			branchErrs = append(branchErrs, b.Err)
			continue
		}
		result.Parts = append(result.Parts, b.Result.Parts...)
		result.Fragments += b.Result.Fragments
	}
	result.Parts = unique(result.Parts)

	if cfg.ShouldAggregate() {
		r.transition(ctx, rm, "aggregate")
		_, stats, err := r.h.Aggregate(ctx, r.pc, result.Parts)
		if err != nil {
			return fail(fmt.Errorf("failed to aggregate: %w", err))
		}
		result.Aggregated = true
		result.Stats = stats
	} else if store.IsStoreURI(cfg.Load.EntitiesURI) && r.pc.Store != nil {
		stats, err := storeStats(ctx, r.pc)
		if err != nil {
			return fail(err)
		}
		result.Stats = stats
	}

	if err := ExportMetadata(ctx, r.pc, result.Stats, r.now()); err != nil {
		return fail(err)
	}
	logger.Info("[Flow] Exported index", "dataset", cfg.Name, "uri", cfg.Load.IndexURI)

	r.notify(ctx, result)

	if len(branchErrs) > 0 {
		err := errors.Join(append([]error{ErrSourcesFailed}, branchErrs...)...)
		logger.Warn("[Flow] Run finished with failed sources", "dataset", cfg.Name, "failed", len(branchErrs), "total", len(result.Branches))
		r.transition(ctx, rm, "fail")
		result.State = rm.state()
		return result, err
	}

	r.transition(ctx, rm, "finish")
	result.State = rm.state()
	logger.Info("[Flow] Run done",
		"dataset", cfg.Name,
		"sources", len(result.Branches),
		"fragments", result.Fragments,
		"entities", result.Stats.EntityCount,
	)
	return result, nil
}

// runBranches runs one executor per source, at most PARALLEL_SOURCES at a
// time. Branch errors are recorded, never propagated to the group, so a
// failing branch does not cancel its siblings.
func (r *Runner) runBranches(ctx context.Context, sources []config.Source) []BranchResult {
	results := make([]BranchResult, len(sources))
	var g errgroup.Group
	g.SetLimit(max(1, r.pc.Settings.ParallelSources))

	for i, src := range sources {
		g.Go(func() error {
			name := src.DisplayName()
			bm := newBranchMachine(name)
			exec := pipeline.NewExecutor(r.pc, r.h, src, pipeline.WithObserver(func(_ config.Source, stage pipeline.Stage) {
				r.transition(ctx, bm, stageEvents[stage])
			}))

			res, err := exec.Run(ctx)
			if err != nil {
				r.transition(ctx, bm, "fail")
				logger.Error("[Flow] Source failed", "dataset", r.pc.Config.Name, "source", name, "error", err)
			} else {
				r.transition(ctx, bm, "finish")
			}
			results[i] = BranchResult{Source: name, State: bm.state(), Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) transition(ctx context.Context, m *machine, event string) {
	if err := m.event(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("[Flow] Invalid state transition", "event", event, "state", m.state(), "error", err)
	}
}

func (r *Runner) notify(ctx context.Context, result *Result) {
	if r.notifier == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"dataset":      result.Dataset,
		"run_id":       result.RunID,
		"index_uri":    result.IndexURI,
		"entity_count": result.Stats.EntityCount,
		"failed":       len(result.Failed()),
	})
	if err != nil {
		logger.Warn("[Flow] Failed to encode notification", "error", err)
		return
	}
	topic := fmt.Sprintf("dataset.%s.updated", result.Dataset)
	if err := r.notifier.Notify(ctx, topic, body); err != nil {
		logger.Warn("[Flow] Failed to publish notification", "topic", topic, "error", err)
	}
}

// storeStats computes coverage for a dataset that was loaded into a
// fragment store instead of being aggregated into a file.
func storeStats(ctx context.Context, pc *pipeline.Context) (graph.Stats, error) {
	collector := graph.NewCollector(pc.Model)
	_, err := graph.ReadStore(ctx, pc.Model, pc.Store, pc.Dataset(), func(e common.Entity) error {
		collector.Collect(e)
		return nil
	})
	if err != nil {
		return graph.Stats{}, fmt.Errorf("failed to read store: %w", err)
	}
	return collector.Export(), nil
}

func uniqueSources(sources []config.Source) []config.Source {
	seen := make(map[string]struct{}, len(sources))
	out := sources[:0]
	for _, s := range sources {
		if _, ok := seen[s.URI]; ok {
			continue
		}
		seen[s.URI] = struct{}{}
		out = append(out, s)
	}
	return out
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
