package diag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// ReachResult answers whether a hash is reachable from a set of roots.
type ReachResult struct {
	Target    node.Hash        `json:"target" yaml:"target"`
	Stored    bool             `json:"stored" yaml:"stored"`
	Reachable bool             `json:"reachable" yaml:"reachable"`
	Root      *store.RootEntry `json:"root,omitempty" yaml:"root,omitempty"`

	// Path runs from Root to Target, both included.
	Path    []node.Hash `json:"path,omitempty" yaml:"path,omitempty"`
	Visited uint64      `json:"visited" yaml:"visited"`
	Missing uint64      `json:"missing" yaml:"missing"`
}

func (r *ReachResult) Headers() []string { return []string{"Field", "Value"} }

func (r *ReachResult) Rows() [][]string {
	rows := [][]string{
		{"target", r.Target.String()},
		{"stored", fmt.Sprint(r.Stored)},
		{"reachable", fmt.Sprint(r.Reachable)},
	}
	if r.Root != nil {
		rows = append(rows, []string{"root", fmt.Sprintf("%d %s", r.Root.Order, r.Root.Root.Short())})
		hops := make([]string, len(r.Path))
		for i, h := range r.Path {
			hops[i] = h.Short()
		}
		rows = append(rows, []string{"path", strings.Join(hops, " -> ")})
	}
	rows = append(rows,
		[]string{"visited", fmt.Sprint(r.Visited)},
		[]string{"missing", fmt.Sprint(r.Missing)})
	return rows
}

// CheckReachability searches breadth-first from each root in turn, newest
// first, and returns the shortest path under the first root that reaches
// target. Nodes already explored under an earlier root are not revisited.
func CheckReachability(ctx context.Context, nodes store.NodeStore, roots []store.RootEntry, target node.Hash) (*ReachResult, error) {
	res := &ReachResult{Target: target}
	switch _, err := nodes.Stat(ctx, target); {
	case err == nil:
		res.Stored = true
	case !errors.Is(err, store.ErrNotFound):
		return nil, gc.NewIOError("stat target", err)
	}

	ordered := slices.Clone(roots)
	slices.SortFunc(ordered, func(a, b store.RootEntry) int {
		switch {
		case a.Order > b.Order:
			return -1
		case a.Order < b.Order:
			return 1
		}
		return 0
	})

	parent := make(map[node.Hash]node.Hash)
	for _, r := range ordered {
		if r.Root.IsZero() {
			continue
		}
		if _, seen := parent[r.Root]; seen {
			continue
		}
		parent[r.Root] = node.ZeroHash
		queue := []node.Hash{r.Root}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			h := queue[0]
			queue = queue[1:]
			res.Visited++
			if h == target {
				root := r
				res.Reachable, res.Root, res.Path = true, &root, pathTo(parent, h)
				return res, nil
			}

			raw, err := nodes.Get(ctx, h)
			if errors.Is(err, store.ErrNotFound) {
				res.Missing++
				continue
			}
			if err != nil {
				return nil, gc.NewIOError("read node", err)
			}
			n, err := node.Decode(raw)
			if err != nil {
				return nil, gc.NewCorruptNodeError(h, err)
			}
			for _, c := range n.Refs() {
				if _, seen := parent[c]; seen {
					continue
				}
				parent[c] = h
				queue = append(queue, c)
			}
		}
	}
	return res, nil
}

func pathTo(parent map[node.Hash]node.Hash, h node.Hash) []node.Hash {
	var path []node.Hash
	for !h.IsZero() {
		path = append(path, h)
		h = parent[h]
	}
	slices.Reverse(path)
	return path
}
