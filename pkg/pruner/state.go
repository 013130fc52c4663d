package pruner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/stategc/pkg/codec"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/snapshot"
	"github.com/marmos91/stategc/pkg/store"
)

// StateKey is the meta key of the persisted orchestrator state.
const StateKey = "gc/phase"

// Phase is the orchestrator's current stage.
type Phase uint8

const (
	PhaseBuildReach Phase = iota
	PhaseSweepExpired
	PhaseIncremental
)

func (p Phase) String() string {
	switch p {
	case PhaseBuildReach:
		return "build_reach"
	case PhaseSweepExpired:
		return "sweep_expired"
	case PhaseIncremental:
		return "incremental"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is the single persisted record driving the orchestrator. It only
// changes once the unit of work it describes has committed.
type State struct {
	Phase Phase  `cbor:"1,keyasint" json:"phase" yaml:"phase"`
	Cycle uint64 `cbor:"2,keyasint" json:"cycle" yaml:"cycle"`

	// Snapshot, Roots and ReachPath are set by BuildReach and consumed by
	// SweepExpired.
	Snapshot  *snapshot.Snapshot `cbor:"3,keyasint,omitempty" json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Roots     []store.RootEntry  `cbor:"4,keyasint,omitempty" json:"roots,omitempty" yaml:"roots,omitempty"`
	ReachPath string             `cbor:"5,keyasint,omitempty" json:"reach_path,omitempty" yaml:"reach_path,omitempty"`

	// IncrementalRuns counts incremental passes since the last full cycle.
	IncrementalRuns uint64 `cbor:"6,keyasint" json:"incremental_runs" yaml:"incremental_runs"`

	LastMark  *gc.MarkStats  `cbor:"7,keyasint,omitempty" json:"last_mark,omitempty" yaml:"last_mark,omitempty"`
	LastSweep *gc.SweepStats `cbor:"8,keyasint,omitempty" json:"last_sweep,omitempty" yaml:"last_sweep,omitempty"`

	UpdatedAt time.Time `cbor:"9,keyasint" json:"updated_at" yaml:"updated_at"`
}

// LoadState returns the persisted state, or a fresh BuildReach state.
func LoadState(ctx context.Context, meta store.MetaStore) (*State, error) {
	b, err := meta.GetMeta(ctx, StateKey)
	if errors.Is(err, store.ErrNotFound) {
		return &State{Phase: PhaseBuildReach}, nil
	}
	if err != nil {
		return nil, gc.NewIOError("load pruner state", err)
	}
	var s State
	if err := codec.Unmarshal(b, &s); err != nil {
		return nil, gc.NewIOError("decode pruner state", err)
	}
	if s.Phase > PhaseIncremental {
		return nil, gc.NewIOError("decode pruner state", fmt.Errorf("unknown phase %d", s.Phase))
	}
	return &s, nil
}

func saveState(ctx context.Context, meta store.MetaStore, s *State) error {
	b, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode pruner state: %w", err)
	}
	if err := meta.PutMeta(ctx, StateKey, b); err != nil {
		return gc.NewIOError("save pruner state", err)
	}
	return nil
}
