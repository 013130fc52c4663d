package pruner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/snapshot"
)

// maxRestarts bounds how often RunCycle redoes BuildReach before giving up.
const maxRestarts = 3

// StepResult describes one executed phase.
type StepResult struct {
	Phase       Phase              `json:"phase" yaml:"phase"`
	Next        Phase              `json:"next" yaml:"next"`
	Cycle       uint64             `json:"cycle" yaml:"cycle"`
	Mark        *gc.MarkStats      `json:"mark,omitempty" yaml:"mark,omitempty"`
	Sweep       *gc.SweepStats     `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Incremental *IncrementalResult `json:"incremental,omitempty" yaml:"incremental,omitempty"`
	Restarted   bool               `json:"restarted,omitempty" yaml:"restarted,omitempty"`
	Reason      string             `json:"reason,omitempty" yaml:"reason,omitempty"`
	Duration    time.Duration      `json:"duration" yaml:"duration"`
}

// Orchestrator runs the collector one phase at a time. The phase is
// persisted after each unit of work commits, so a restarted process picks up
// where the last one stopped.
type Orchestrator struct {
	c *Collector

	mu    sync.Mutex
	state *State
	reach gc.ReachableSet // set built by BuildReach in this process
}

// NewOrchestrator loads the persisted phase and snapshot checkpoint.
func NewOrchestrator(ctx context.Context, deps Deps, opts Options) (*Orchestrator, error) {
	c, err := NewCollector(deps, opts)
	if err != nil {
		return nil, err
	}
	st, err := LoadState(ctx, deps.Meta)
	if err != nil {
		return nil, err
	}
	if _, err := deps.Snapshots.Resume(ctx); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "pruner: loaded state",
		logger.KeyPhase, st.Phase.String(),
		logger.KeyCycle, st.Cycle)
	deps.Metrics.SetPhase(st.Phase.String())
	return &Orchestrator{c: c, state: st}, nil
}

// Collector returns the underlying collector.
func (o *Orchestrator) Collector() *Collector { return o.c }

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.state
}

// Step runs the current phase once. On error the persisted phase is left
// unchanged and the next Step retries it.
func (o *Orchestrator) Step(ctx context.Context) (*StepResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	phase, cycle := o.state.Phase, o.state.Cycle
	ctx = logger.WithPhase(logger.WithComponent(ctx, "pruner"), phase.String(), cycle)
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanPhaseStep,
		attribute.String(telemetry.AttrPhase, phase.String()),
		attribute.Int64(telemetry.AttrCycle, int64(cycle)))
	defer span.End()

	m := o.c.deps.Metrics
	m.SetPhase(phase.String())

	var (
		res *StepResult
		err error
	)
	switch phase {
	case PhaseBuildReach:
		res, err = o.buildReach(ctx)
	case PhaseSweepExpired:
		res, err = o.sweepExpired(ctx)
	case PhaseIncremental:
		res, err = o.incremental(ctx)
	default:
		err = fmt.Errorf("unknown phase %d", phase)
	}
	if err != nil {
		m.PhaseFailed(phase.String(), failureLabel(err))
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "pruner: phase failed", logger.Err(err))
		return nil, err
	}

	res.Phase, res.Cycle = phase, cycle
	res.Next = o.state.Phase
	res.Duration = time.Since(start)
	m.PhaseSucceeded(time.Now())
	m.SetPhase(res.Next.String())
	logger.InfoCtx(ctx, "pruner: phase done",
		"next", res.Next.String(),
		"restarted", res.Restarted,
		logger.KeyDurationMs, logger.Duration(start))
	return res, nil
}

// RunCycle steps until the next BuildReach is due.
func (o *Orchestrator) RunCycle(ctx context.Context) ([]*StepResult, error) {
	var (
		out      []*StepResult
		restarts int
	)
	for {
		res, err := o.Step(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if res.Restarted {
			restarts++
			if restarts > maxRestarts {
				return out, fmt.Errorf("%w: gave up after %d restarts", snapshot.ErrExpired, maxRestarts)
			}
			continue
		}
		if res.Next == PhaseBuildReach {
			return out, nil
		}
	}
}

func (o *Orchestrator) commit(ctx context.Context, next *State) error {
	next.UpdatedAt = time.Now().UTC()
	if err := saveState(ctx, o.c.deps.Meta, next); err != nil {
		return err
	}
	o.state = next
	return nil
}

func (o *Orchestrator) buildReach(ctx context.Context) (*StepResult, error) {
	h, err := o.c.deps.Snapshots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	snap := h.Snapshot()

	roots, err := o.c.protect(ctx, snap)
	if err != nil {
		return nil, err
	}
	set, ms, err := o.c.mark(ctx, snap, roots)
	if err != nil {
		return nil, err
	}
	if err := o.c.deps.Snapshots.Check(h); err != nil {
		return nil, err
	}

	var path string
	if dir := o.c.opts.ReachDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, gc.NewIOError("create reach dir", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("reach-%06d.rset", o.state.Cycle))
		if err := gc.SaveReachableSet(path, set); err != nil {
			return nil, gc.NewIOError("save reachable set", err)
		}
	}

	next := &State{
		Phase:     PhaseSweepExpired,
		Cycle:     o.state.Cycle,
		Snapshot:  &snap,
		Roots:     roots,
		ReachPath: path,
		LastMark:  ms,
		LastSweep: o.state.LastSweep,
	}
	if err := o.commit(ctx, next); err != nil {
		return nil, err
	}
	o.reach = set
	return &StepResult{Mark: ms}, nil
}

func (o *Orchestrator) sweepExpired(ctx context.Context) (*StepResult, error) {
	st := o.state
	if st.Snapshot == nil {
		return o.restart(ctx, "no snapshot recorded")
	}
	h, err := o.c.deps.Snapshots.Hold(ctx, *st.Snapshot)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	if h.Expired() {
		return o.restart(ctx, "snapshot expired")
	}

	set, reason, err := o.reachable(st)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return o.restart(ctx, reason)
	}

	ss, err := o.c.sweep(ctx, set, st.Snapshot.TxOrder, false)
	if err != nil {
		return nil, err
	}
	if err := o.c.deps.Snapshots.Commit(ctx, *st.Snapshot); err != nil {
		return nil, err
	}

	next := &State{
		Phase:     PhaseIncremental,
		Cycle:     st.Cycle,
		LastMark:  st.LastMark,
		LastSweep: ss,
	}
	if err := o.commit(ctx, next); err != nil {
		return nil, err
	}
	o.dropReach(ctx, st.ReachPath)
	o.c.deps.Metrics.CycleCompleted()
	return &StepResult{Sweep: ss}, nil
}

// reachable returns the set built for st, or nil with a reason when it is
// gone and BuildReach has to run again.
func (o *Orchestrator) reachable(st *State) (gc.ReachableSet, string, error) {
	if o.reach != nil && o.reach.Watermark() == st.Snapshot.Watermark {
		return o.reach, "", nil
	}
	if st.ReachPath == "" {
		return nil, "reachable set was kept in memory", nil
	}
	set, err := gc.LoadReachableSet(st.ReachPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, "reachable set file missing", nil
	case errors.Is(err, gc.ErrBadReachFile):
		return nil, "reachable set file unreadable", nil
	case err != nil:
		return nil, "", gc.NewIOError("load reachable set", err)
	}
	if set.Watermark() != st.Snapshot.Watermark {
		return nil, "reachable set belongs to another snapshot", nil
	}
	return set, "", nil
}

func (o *Orchestrator) restart(ctx context.Context, reason string) (*StepResult, error) {
	st := o.state
	logger.WarnCtx(ctx, "pruner: redoing reachability", "reason", reason)
	if err := o.c.sweeper().ClearCursor(ctx); err != nil {
		return nil, err
	}
	next := &State{
		Phase:     PhaseBuildReach,
		Cycle:     st.Cycle,
		LastMark:  st.LastMark,
		LastSweep: st.LastSweep,
	}
	if err := o.commit(ctx, next); err != nil {
		return nil, err
	}
	o.dropReach(ctx, st.ReachPath)
	return &StepResult{Restarted: true, Reason: reason}, nil
}

func (o *Orchestrator) dropReach(ctx context.Context, path string) {
	o.reach = nil
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnCtx(ctx, "pruner: failed to remove reachable set", logger.KeyPath, path, logger.Err(err))
	}
}

func (o *Orchestrator) incremental(ctx context.Context) (*StepResult, error) {
	st := o.state
	ir, err := o.c.RunIncremental(ctx, RunOptions{})
	if err != nil {
		return nil, err
	}

	next := *st
	next.IncrementalRuns++
	if next.IncrementalRuns >= o.c.opts.FullCycleEvery {
		next = State{
			Phase:     PhaseBuildReach,
			Cycle:     st.Cycle + 1,
			LastMark:  st.LastMark,
			LastSweep: st.LastSweep,
		}
	}
	if err := o.commit(ctx, &next); err != nil {
		return nil, err
	}
	return &StepResult{Incremental: ir}, nil
}
