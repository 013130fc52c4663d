// Package gc is the mark-sweep collector for the content-addressed state
// store. The marker computes the set of nodes reachable from the protected
// roots; the sweeper removes every older node outside that set; the
// incremental pruner retires stale entries between full cycles.
//
// Safety rests on one rule: a node is deleted only if it was unreachable from
// every protected root at mark time and has not been written since the mark
// watermark.
package gc

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Strategy selects how the marker tracks visited nodes.
type Strategy int

const (
	// StrategyAuto picks InMemory below the configured node count and
	// Persistent above it.
	StrategyAuto Strategy = iota

	// StrategyInMemory keeps an exact visited set in memory.
	StrategyInMemory

	// StrategyPersistent traverses with an exact on-disk scratch set and
	// produces a Bloom filter as the reachable set. False positives only
	// retain extra nodes.
	StrategyPersistent
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyInMemory:
		return "in_memory"
	case StrategyPersistent:
		return "persistent"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts auto, in_memory / memory, persistent / bloom.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "in_memory", "inmemory", "memory":
		return StrategyInMemory, nil
	case "persistent", "bloom":
		return StrategyPersistent, nil
	}
	return 0, NewConfigInvalidError(fmt.Sprintf("unknown marker strategy %q", s))
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultBatchSize is the sweeper's scan page size.
const DefaultBatchSize = 10000

// DefaultWorkers is one worker per CPU.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// GCReport summarizes one mark and sweep run.
type GCReport struct {
	ProtectedRoots     []RootRef     `json:"protected_roots" yaml:"protected_roots"`
	MarkStats          *MarkStats    `json:"mark_stats" yaml:"mark_stats"`
	SweepStats         *SweepStats   `json:"sweep_stats" yaml:"sweep_stats"`
	Duration           time.Duration `json:"duration" yaml:"duration"`
	MemoryStrategyUsed Strategy      `json:"memory_strategy_used" yaml:"memory_strategy_used"`
	DryRun             bool          `json:"dry_run" yaml:"dry_run"`
}

// RootRef names a protected root and the order it belongs to.
type RootRef struct {
	Order uint64 `json:"tx_order" yaml:"tx_order"`
	Root  string `json:"state_root" yaml:"state_root"`
}

// Headers implements output.TableRenderer.
func (r *GCReport) Headers() []string { return []string{"Metric", "Value"} }

// Rows implements output.TableRenderer.
func (r *GCReport) Rows() [][]string {
	rows := [][]string{
		{"protected roots", fmt.Sprint(len(r.ProtectedRoots))},
		{"strategy", r.MemoryStrategyUsed.String()},
		{"dry run", fmt.Sprint(r.DryRun)},
		{"duration", r.Duration.Round(time.Millisecond).String()},
	}
	if m := r.MarkStats; m != nil {
		rows = append(rows,
			[]string{"marked", fmt.Sprint(m.MarkedCount)},
			[]string{"missing", fmt.Sprint(m.MissingCount)},
		)
	}
	if s := r.SweepStats; s != nil {
		rows = append(rows,
			[]string{"scanned", fmt.Sprint(s.ScannedCount)},
			[]string{"kept", fmt.Sprint(s.KeptCount)},
			[]string{"young kept", fmt.Sprint(s.YoungKept)},
			[]string{"deleted", fmt.Sprint(s.DeletedCount)},
			[]string{"recycle bin entries", fmt.Sprint(s.RecycleBinEntries)},
		)
	}
	return rows
}
