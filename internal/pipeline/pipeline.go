// Package pipeline implements the staged indexing pipeline: Discovery,
// Filtering, Chunking, Embedding and Storage run strictly sequentially over
// a shared context, while work within a stage fans out on the governed
// worker pool.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quarry-labs/quarry/internal/core/domain"
	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/core/ports/driving"
	"github.com/quarry-labs/quarry/internal/governor"
	"github.com/quarry-labs/quarry/internal/logger"
)

// DefaultMaxErrors is the error budget: the pipeline aborts remaining
// stages once this many per-item failures accumulate.
const DefaultMaxErrors = 100

const checkpointPerm = 0600

// Stage is one pipeline phase.
type Stage interface {
	// Name identifies the stage in logs, errors and checkpoints.
	Name() string

	// Execute runs the stage against the shared context.
	Execute(ctx context.Context, pc *Context) error
}

// Preparer is implemented by stages that need setup before Execute.
type Preparer interface {
	Prepare(ctx context.Context, pc *Context) error
}

// Cleaner is implemented by stages that need teardown after Execute,
// successful or not.
type Cleaner interface {
	Cleanup(ctx context.Context, pc *Context) error
}

// Restorer is implemented by stages that can re-hydrate from a checkpoint.
// Only the stage whose name matches the checkpoint is restored; every
// stage still executes, relying on idempotent skips for already-processed
// work.
type Restorer interface {
	Restore(pc *Context, cp *Checkpoint) error
}

// Checkpoint is the persisted resume point of an interrupted run.
type Checkpoint struct {
	Stage          string             `json:"stage"`
	ProcessedFiles []string           `json:"processedFiles"`
	Stats          driving.IndexStats `json:"stats"`
	Timestamp      time.Time          `json:"timestamp"`
}

// EventKind classifies progress events.
type EventKind string

const (
	EventStageStart EventKind = "stage-start"
	EventStageDone  EventKind = "stage-done"
	EventProgress   EventKind = "progress"
)

// Event is one progress notification delivered to the run's callback.
type Event struct {
	Kind    EventKind
	Stage   string
	Message string
	Current int
	Total   int
}

// FileInfo is one discovered file flowing through the stages.
type FileInfo struct {
	SourceID string
	// AbsPath locates the file on disk; RelPath, relative to the source
	// root, is what gets stored.
	AbsPath  string
	RelPath  string
	Size     int64
	Mtime    int64
	Language string

	// Hash is filled by the filtering stage for files that reach the
	// hash tier, saving a re-read later.
	Hash string
}

// Context is the mutable state shared by all stages of one run.
type Context struct {
	ScopeID string
	Sources []driving.IndexSource

	// Files is written by Discovery and narrowed by Filtering.
	Files []FileInfo

	// Chunks is written by Chunking, embedded in place by Embedding and
	// persisted by Storage.
	Chunks []domain.StoredChunk

	Stats driving.IndexStats

	Monitor *governor.MemoryMonitor
	Pool    *governor.WorkerPool

	// Processed tracks file paths already handled, for checkpointing.
	Processed map[string]bool

	// Discovered records, per source that discovery walked successfully,
	// the full set of paths found on disk. Sources whose walk failed are
	// absent, so the storage stage never mistakes a broken root for an
	// emptied one.
	Discovered map[string]map[string]bool

	progress  func(Event)
	maxErrors int

	mu     sync.Mutex
	errors []driving.IndexError
}

// NewContext creates the shared state for one run.
func NewContext(scopeID string, sources []driving.IndexSource, monitor *governor.MemoryMonitor, pool *governor.WorkerPool) *Context {
	return &Context{
		ScopeID:    scopeID,
		Sources:    sources,
		Monitor:    monitor,
		Pool:       pool,
		Processed:  make(map[string]bool),
		Discovered: make(map[string]map[string]bool),
		maxErrors:  DefaultMaxErrors,
	}
}

// SetMaxErrors overrides the error budget. Zero or negative keeps the
// default.
func (pc *Context) SetMaxErrors(n int) {
	if n > 0 {
		pc.maxErrors = n
	}
}

// SetProgress installs the event callback. Events are delivered
// synchronously from pipeline goroutines.
func (pc *Context) SetProgress(fn func(Event)) {
	pc.progress = fn
}

// Emit delivers a progress event if a callback is installed.
func (pc *Context) Emit(ev Event) {
	if pc.progress != nil {
		pc.progress(ev)
	}
}

// AddError records a non-fatal per-item failure against the error budget.
func (pc *Context) AddError(stage, path string, err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.errors = append(pc.errors, driving.IndexError{Stage: stage, Path: path, Err: err.Error()})
	logger.Warn("%s: %s: %v", stage, path, err)
}

// Errors returns a copy of the recorded failures.
func (pc *Context) Errors() []driving.IndexError {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]driving.IndexError, len(pc.errors))
	copy(out, pc.errors)
	return out
}

// ErrorCount returns the number of recorded failures.
func (pc *Context) ErrorCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.errors)
}

// BudgetExceeded reports whether the error budget is spent.
func (pc *Context) BudgetExceeded() bool {
	return pc.ErrorCount() >= pc.maxErrors
}

// MarkProcessed records a file as handled for checkpoint purposes.
func (pc *Context) MarkProcessed(path string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.Processed[path] = true
}

// Pipeline runs stages sequentially with per-stage timing, an error budget
// and optional checkpointing.
type Pipeline struct {
	stages         []Stage
	rt             driven.Runtime
	checkpointPath string
}

// New creates a pipeline over the given stages. The runtime is only used
// when a checkpoint path is set.
func New(rt driven.Runtime, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, rt: rt}
}

// SetCheckpointPath enables checkpoint persistence for subsequent runs.
func (p *Pipeline) SetCheckpointPath(path string) {
	p.checkpointPath = path
}

// Run executes the stages in order. A stage error aborts the run; so does
// exhausting the error budget between stages. Per-item failures inside
// stages accumulate in the context instead of aborting.
func (p *Pipeline) Run(ctx context.Context, pc *Context) error {
	resume := p.loadCheckpoint(pc)

	for _, stage := range p.stages {
		if resume != nil && resume.Stage == stage.Name() {
			if r, ok := stage.(Restorer); ok {
				if err := r.Restore(pc, resume); err != nil {
					logger.Warn("Restore for stage %s failed, running cold: %v", stage.Name(), err)
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if pc.BudgetExceeded() {
			return fmt.Errorf("%w: %d errors before stage %s", domain.ErrTooManyErrors, pc.ErrorCount(), stage.Name())
		}

		if err := p.runStage(ctx, stage, pc); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}

		p.saveCheckpoint(stage, pc)
	}

	p.clearCheckpoint()
	return nil
}

// runStage runs one stage with prepare/cleanup hooks and timing.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, pc *Context) error {
	pc.Emit(Event{Kind: EventStageStart, Stage: stage.Name()})
	start := time.Now()

	if prep, ok := stage.(Preparer); ok {
		if err := prep.Prepare(ctx, pc); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
	}

	err := stage.Execute(ctx, pc)

	if cl, ok := stage.(Cleaner); ok {
		if cerr := cl.Cleanup(ctx, pc); cerr != nil && err == nil {
			err = fmt.Errorf("cleanup: %w", cerr)
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		logger.Error("Stage %s failed after %s: %v", stage.Name(), elapsed.Round(time.Millisecond), err)
		return err
	}

	logger.Info("Stage %s completed in %s", stage.Name(), elapsed.Round(time.Millisecond))
	pc.Emit(Event{Kind: EventStageDone, Stage: stage.Name()})
	return nil
}

// loadCheckpoint reads a previous run's resume point, if any. The
// processed set re-hydrates into the context; the named stage may
// additionally restore its own state through the Restorer hook.
func (p *Pipeline) loadCheckpoint(pc *Context) *Checkpoint {
	if p.checkpointPath == "" || p.rt == nil {
		return nil
	}

	exists, err := p.rt.Exists(p.checkpointPath)
	if err != nil || !exists {
		return nil
	}

	data, err := p.rt.ReadFile(p.checkpointPath)
	if err != nil {
		logger.Warn("Cannot read checkpoint: %v", err)
		return nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		logger.Warn("Cannot decode checkpoint: %v", err)
		return nil
	}

	for _, f := range cp.ProcessedFiles {
		pc.Processed[f] = true
	}
	logger.Info("Resuming from checkpoint at stage %s (%d files processed)", cp.Stage, len(cp.ProcessedFiles))
	return &cp
}

// saveCheckpoint persists the resume point after a stage completes.
func (p *Pipeline) saveCheckpoint(stage Stage, pc *Context) {
	if p.checkpointPath == "" || p.rt == nil {
		return
	}

	pc.mu.Lock()
	processed := make([]string, 0, len(pc.Processed))
	for f := range pc.Processed {
		processed = append(processed, f)
	}
	pc.mu.Unlock()

	cp := Checkpoint{
		Stage:          stage.Name(),
		ProcessedFiles: processed,
		Stats:          pc.Stats,
		Timestamp:      time.Now().UTC(),
	}

	data, err := json.Marshal(cp)
	if err != nil {
		logger.Warn("Cannot encode checkpoint: %v", err)
		return
	}
	if err := p.rt.WriteFile(p.checkpointPath, data, checkpointPerm); err != nil {
		logger.Warn("Cannot write checkpoint: %v", err)
	}
}

// clearCheckpoint removes the checkpoint after a successful run.
func (p *Pipeline) clearCheckpoint() {
	if p.checkpointPath == "" || p.rt == nil {
		return
	}
	exists, err := p.rt.Exists(p.checkpointPath)
	if err != nil || !exists {
		return
	}
	if err := p.rt.Remove(p.checkpointPath); err != nil {
		logger.Warn("Cannot remove checkpoint: %v", err)
	}
}
