package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"sync"

	"github.com/OFFIS-RIT/tabgraph/internal/util"
	"github.com/OFFIS-RIT/tabgraph/pkg/cache"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/extract"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/source"

	"github.com/gammazero/workerpool"
)

type Stage string

const (
	StageResolve   Stage = "resolve"
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// StageError reports the stage a source failed in after all retries.
type StageError struct {
	Source string
	Stage  Stage
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("source %s failed in %s: %v", e.Source, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var errBatchMissing = errors.New("batch not in cache")

// Result summarizes the run of one source.
type Result struct {
	Source string
	Key    string
	// Cached is true when the extracted batches came from the cache.
	Cached    bool
	Batches   int
	Records   int
	Fragments int
	// Parts lists where every batch was loaded to, in batch order.
	Parts []string
}

// Observer is told when the executor enters a stage.
type Observer func(src config.Source, stage Stage)

// Executor runs the stages of one source.
type Executor struct {
	pc     *Context
	h      Handlers
	src    config.Source
	policy util.Policy
	// extractSum and loadSum fingerprint the recipe fields each memo
	// depends on.
	extractSum string
	loadSum    string
	observe    Observer
}

type ExecutorOption func(*Executor)

// WithObserver installs fn to be called on every stage transition.
func WithObserver(fn Observer) ExecutorOption {
	return func(e *Executor) {
		e.observe = fn
	}
}

// WithPolicy overrides the retry policy derived from the settings.
func WithPolicy(p util.Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

func NewExecutor(pc *Context, h Handlers, src config.Source, opts ...ExecutorOption) *Executor {
	e := &Executor{
		pc:         pc,
		h:          h,
		src:        src,
		policy:     pc.Settings.RetryPolicy(),
		extractSum: pc.Config.ExtractChecksum(src),
		loadSum:    pc.Config.LoadChecksum(),
		observe:    func(config.Source, Stage) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) name() string {
	return e.src.DisplayName()
}

func (e *Executor) fail(stage Stage, err error) error {
	return &StageError{Source: e.name(), Stage: stage, Err: err}
}

func (e *Executor) chunkSize() int {
	if n := e.pc.Config.Transform.ChunkSize; n > 0 {
		return n
	}
	return config.DefaultChunkSize
}

func (e *Executor) extractMemoKey(srcKey string) string {
	return fmt.Sprintf("extract:%s:%s:%d", e.extractSum, srcKey, e.chunkSize())
}

func (e *Executor) loadMemoKey(batchKey string) string {
	return fmt.Sprintf("load:%s:%s", e.loadSum, batchKey)
}

func (e *Executor) fragmentsKey(batchKey string) string {
	return fmt.Sprintf("fragments:%s:%s", e.loadSum, batchKey)
}

// Resolve returns a resolver for the source together with its content key.
func (e *Executor) Resolve(ctx context.Context) (source.Resolver, string, error) {
	res, key, err := util.Retry2WithContext(ctx, e.policy, func(ctx context.Context) (source.Resolver, string, error) {
		res, err := source.Resolve(ctx, e.src, e.pc.Sources)
		if errors.Is(err, source.ErrUnsupportedScheme) || errors.Is(err, fs.ErrNotExist) {
			return nil, "", util.Permanent(err)
		}
		if err != nil {
			return nil, "", err
		}
		key, err := res.Key(ctx)
		if err != nil {
			return nil, "", err
		}
		return res, key, nil
	})
	if err != nil {
		return nil, "", e.fail(StageResolve, err)
	}
	return res, key, nil
}

// Run executes extract, transform and load for the source. Transform and
// load are skipped for every batch whose load result is memoized, and
// extraction is skipped when the batches of the current source content are.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	e.observe(e.src, StageExtract)
	res, srcKey, err := e.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.run(ctx, res, srcKey)
	if errors.Is(err, errBatchMissing) && result != nil && result.Cached {
		logger.Warn("[Extract] Cached batches are gone, extracting again", "source", e.name())
		if _, _, derr := e.pc.Cache.Get(ctx, e.extractMemoKey(srcKey), true); derr != nil {
			return nil, e.fail(StageExtract, derr)
		}
		e.observe(e.src, StageExtract)
		result, err = e.run(ctx, res, srcKey)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("[Pipeline] Source done",
		"source", e.name(),
		"cached", result.Cached,
		"batches", result.Batches,
		"records", result.Records,
		"fragments", result.Fragments,
	)
	return result, nil
}

func (e *Executor) run(ctx context.Context, res source.Resolver, srcKey string) (*Result, error) {
	result := &Result{Source: e.name(), Key: srcKey}

	batches, cached, records, err := e.extract(ctx, res, srcKey)
	if err != nil {
		return nil, err
	}
	result.Cached = cached
	result.Batches = len(batches)
	result.Records = records

	pending, parts, err := e.memoizedLoads(ctx, batches)
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		e.observe(e.src, StageTransform)
		if err := e.forEachBatch(ctx, pending, StageTransform, e.transformBatch); err != nil {
			return result, err
		}

		e.observe(e.src, StageLoad)
		var mu sync.Mutex
		err := e.forEachBatch(ctx, pending, StageLoad, func(ctx context.Context, batchKey string) error {
			part, n, err := e.loadBatch(ctx, batchKey)
			if err != nil {
				return err
			}
			mu.Lock()
			parts[batchKey] = part
			result.Fragments += n
			mu.Unlock()
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	for _, b := range batches {
		result.Parts = append(result.Parts, parts[b])
	}
	return result, nil
}

// extract returns the batch keys of the source, from the memo when
// possible.
func (e *Executor) extract(ctx context.Context, res source.Resolver, srcKey string) ([]string, bool, int, error) {
	memoKey := e.extractMemoKey(srcKey)
	if e.pc.Settings.TaskCache {
		keys, ok, err := cache.GetJSON[[]string](ctx, e.pc.Cache, memoKey, false)
		if err != nil {
			return nil, false, 0, e.fail(StageExtract, err)
		}
		if ok {
			logger.Debug("[Extract] Using cached batches", "source", e.name(), "batches", len(keys))
			return keys, true, 0, nil
		}
	}

	type extracted struct {
		keys    []string
		records int
	}
	out, err := util.RetryWithContext(ctx, e.policy, func(ctx context.Context) (extracted, error) {
		keys, n, err := e.extractBatches(ctx, res, srcKey)
		return extracted{keys: keys, records: n}, err
	})
	if err != nil {
		return nil, false, 0, e.fail(StageExtract, err)
	}

	if e.pc.Settings.TaskCache {
		if _, err := cache.PutJSON(ctx, e.pc.Cache, memoKey, out.keys); err != nil {
			return nil, false, 0, e.fail(StageExtract, err)
		}
	}
	logger.Info("[Extract] Extracted source", "source", e.name(), "records", out.records, "batches", len(out.keys))
	return out.keys, false, out.records, nil
}

// extractBatches runs the extract handler and stores its records in
// batches of chunk size. A batch is keyed by the source key and its
// content, so equal batches of different sources never share an entry.
func (e *Executor) extractBatches(ctx context.Context, res source.Resolver, srcKey string) ([]string, int, error) {
	size := e.chunkSize()
	var keys []string
	batch := make([]common.IndexedRecord, 0, size)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		payload, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("failed to encode batch: %w", err)
		}
		key := common.Checksum(append([]byte(srcKey+"\n"), payload...))
		if _, err := e.pc.Cache.Put(ctx, key, payload); err != nil {
			return fmt.Errorf("failed to cache batch: %w", err)
		}
		keys = append(keys, key)
		batch = batch[:0]
		return nil
	}

	ix := 0
	for rec, err := range e.h.Extract(ctx, e.pc, res) {
		if errors.Is(err, extract.ErrUnsupportedMimetype) {
			return nil, ix, util.Permanent(err)
		}
		if err != nil {
			return nil, ix, err
		}
		ix++
		batch = append(batch, common.IndexedRecord{Index: ix, Record: rec})
		if len(batch) >= size {
			if err := flush(); err != nil {
				return nil, ix, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, ix, err
	}
	return keys, ix, nil
}

// memoizedLoads splits batches into those already loaded and those still
// pending.
func (e *Executor) memoizedLoads(ctx context.Context, batches []string) ([]string, map[string]string, error) {
	parts := make(map[string]string, len(batches))
	if !e.pc.Settings.TaskCache {
		return batches, parts, nil
	}
	var pending []string
	for _, b := range batches {
		part, ok, err := e.pc.Cache.Get(ctx, e.loadMemoKey(b), false)
		if err != nil {
			return nil, nil, e.fail(StageLoad, err)
		}
		if ok {
			parts[b] = string(part)
			continue
		}
		pending = append(pending, b)
	}
	if skipped := len(batches) - len(pending); skipped > 0 {
		logger.Debug("[Load] Using cached loads", "source", e.name(), "batches", skipped)
	}
	return pending, parts, nil
}

// forEachBatch runs fn for every batch on a worker pool. Every batch is
// attempted even when another fails; the first failure is returned.
func (e *Executor) forEachBatch(ctx context.Context, batches []string, stage Stage, fn func(context.Context, string) error) error {
	pool := workerpool.New(e.pc.Settings.ParallelBatches)
	var (
		mu       sync.Mutex
		firstErr error
	)
	for _, b := range batches {
		pool.Submit(func() {
			err := util.RetryErrWithContext(ctx, e.policy, func(ctx context.Context) error {
				return fn(ctx, b)
			})
			if err == nil {
				return
			}
			logger.Error("[Pipeline] Batch failed", "source", e.name(), "stage", string(stage), "batch", b, "error", err)
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		})
	}
	pool.StopWait()
	if firstErr != nil {
		return e.fail(stage, firstErr)
	}
	return nil
}

// transformBatch maps the records of one batch to fragments. The input
// batch stays in the cache until its fragments are loaded.
func (e *Executor) transformBatch(ctx context.Context, batchKey string) error {
	fk := e.fragmentsKey(batchKey)
	if _, ok, err := e.pc.Cache.Get(ctx, fk, false); err != nil {
		return err
	} else if ok {
		return nil
	}

	records, ok, err := cache.GetJSON[[]common.IndexedRecord](ctx, e.pc.Cache, batchKey, false)
	if err != nil {
		return err
	}
	if !ok {
		return util.Permanent(fmt.Errorf("%w: %s", errBatchMissing, batchKey))
	}

	fragments := make([]common.Entity, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, ok := transformRecord(ctx, e.pc, e.h.Transform, e.name(), rec.Record, rec.Index)
		if ok {
			fragments = append(fragments, out...)
		}
	}

	if _, err := cache.PutJSON(ctx, e.pc.Cache, fk, fragments); err != nil {
		return err
	}
	logger.Debug("[Transform] Transformed batch", "source", e.name(), "records", len(records), "fragments", len(fragments))
	return nil
}

// transformRecord applies fn to one record. A failing record is logged and
// skipped; fragments without an id are dropped.
func transformRecord(ctx context.Context, pc *Context, fn TransformFunc, src string, rec common.Record, ix int) ([]common.Entity, bool) {
	out, err := callTransform(ctx, pc, fn, rec, ix)
	if err != nil {
		logger.Error("[Transform] Failed to transform record", "source", src, "index", ix, "error", err)
		return nil, false
	}
	kept := out[:0]
	for _, f := range out {
		if f.ID == "" {
			logger.Debug("[Transform] Dropping fragment without id", "source", src, "index", ix, "schema", f.Schema)
			continue
		}
		kept = append(kept, f)
	}
	return kept, true
}

// callTransform turns a panicking handler into an error for the record.
func callTransform(ctx context.Context, pc *Context, fn TransformFunc, rec common.Record, ix int) (out []common.Entity, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("transform handler panicked: %v", r)
		}
	}()
	return fn(ctx, pc, rec, ix)
}

// loadBatch hands the fragments of one batch to the load handler, memoizes
// the result and then releases the cached batch and fragments.
func (e *Executor) loadBatch(ctx context.Context, batchKey string) (string, int, error) {
	fk := e.fragmentsKey(batchKey)
	fragments, ok, err := cache.GetJSON[[]common.Entity](ctx, e.pc.Cache, fk, false)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, util.Permanent(fmt.Errorf("%w: %s", errBatchMissing, fk))
	}

	part, err := e.h.Load(ctx, e.pc, fragments, batchKey)
	if err != nil {
		return "", 0, err
	}

	if e.pc.Settings.TaskCache {
		if _, err := e.pc.Cache.Put(ctx, e.loadMemoKey(batchKey), []byte(part)); err != nil {
			return "", 0, err
		}
	}
	for _, k := range []string{fk, batchKey} {
		if _, _, err := e.pc.Cache.Get(ctx, k, true); err != nil {
			logger.Warn("[Load] Failed to release cached batch", "source", e.name(), "key", k, "error", err)
		}
	}
	return part, len(fragments), nil
}

// RecordWriter receives extracted records.
type RecordWriter interface {
	Encode(v any) error
}

// Extract runs only the extract stage and writes every record to w.
func (e *Executor) Extract(ctx context.Context, w RecordWriter) (int, error) {
	e.observe(e.src, StageExtract)
	res, _, err := e.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for rec, err := range e.h.Extract(ctx, e.pc, res) {
		if err != nil {
			return n, e.fail(StageExtract, err)
		}
		if err := w.Encode(rec); err != nil {
			return n, e.fail(StageExtract, err)
		}
		n++
	}
	return n, nil
}

// TransformRecords applies fn to records without caching or loading and
// passes every fragment to emit. Records are numbered from 1.
func TransformRecords(
	ctx context.Context,
	pc *Context,
	fn TransformFunc,
	records iter.Seq2[common.Record, error],
	emit func(common.Entity) error,
) (int, error) {
	ix, n := 0, 0
	for rec, err := range records {
		if err != nil {
			return n, err
		}
		ix++
		out, ok := transformRecord(ctx, pc, fn, "input", rec, ix)
		if !ok {
			continue
		}
		for _, f := range out {
			if err := emit(f); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
