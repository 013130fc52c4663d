package commands

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/tree"
)

var (
	seedVersions   int
	seedKeys       int
	seedChurn      int
	seedNested     int
	seedValueBytes int
	seedRandSeed   uint64
)

var seedCmd = &cobra.Command{
	Use:    "seed",
	Short:  "Write a synthetic version chain",
	Hidden: true,
	Long: `Append synthetic versions to the store, starting after the latest
recorded order. The first version writes --keys keys; every version after
it rewrites --churn of them, so superseded nodes pile up in the stale
index for the collector to find.

Examples:
  stategc seed --versions 500 --keys 10000 --churn 200 --nested 20`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedVersions, "versions", 100, "Number of versions to commit")
	seedCmd.Flags().IntVar(&seedKeys, "keys", 1000, "Keys in the state")
	seedCmd.Flags().IntVar(&seedChurn, "churn", 50, "Keys rewritten per version")
	seedCmd.Flags().IntVar(&seedNested, "nested", 0, "Percentage of writes that carry a nested trie")
	seedCmd.Flags().IntVar(&seedValueBytes, "value-bytes", 32, "Size of each value")
	seedCmd.Flags().Uint64Var(&seedRandSeed, "seed", 1, "Random seed")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if seedKeys <= 0 || seedVersions <= 0 {
		return fmt.Errorf("--keys and --versions must be positive")
	}
	if seedNested < 0 || seedNested > 100 {
		return fmt.Errorf("--nested is a percentage")
	}

	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(ctx) }()

	w, err := tree.Open(ctx, env.Store, env.Store, env.Store)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(seedRandSeed, uint64(w.Order())))
	value := func() []byte {
		b := make([]byte, seedValueBytes)
		for i := range b {
			b[i] = byte(rng.UintN(256))
		}
		return b
	}
	change := func(i int) tree.Change {
		c := tree.Put(fmt.Sprintf("key-%08d", i), value())
		if seedNested > 0 && rng.IntN(100) < seedNested {
			c.Nested = map[string][]byte{
				"a": value(),
				"b": value(),
			}
		}
		return c
	}

	start := time.Now()
	order := w.Order()
	if w.Len() > 0 || !w.Root().IsZero() {
		order++
	}
	var root node.Hash
	for v := 0; v < seedVersions; v++ {
		var changes []tree.Change
		if w.Len() == 0 {
			changes = make([]tree.Change, 0, seedKeys)
			for i := 0; i < seedKeys; i++ {
				changes = append(changes, change(i))
			}
		} else {
			changes = make([]tree.Change, 0, seedChurn)
			for i := 0; i < seedChurn; i++ {
				changes = append(changes, change(rng.IntN(seedKeys)))
			}
		}
		root, err = w.Commit(ctx, order, changes)
		if err != nil {
			return err
		}
		if v%100 == 0 {
			logger.Info("seed: committed", logger.KeyTxOrder, order, logger.KeyRoot, root.Short())
		}
		order++
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Committed %d versions in %s", seedVersions, time.Since(start).Round(time.Millisecond)))
	return cmdutil.PrintResource(os.Stdout, map[string]any{
		"versions":     seedVersions,
		"latest_order": w.Order(),
		"latest_root":  root.String(),
	}, seedTable{w.Order(), root})
}

type seedTable struct {
	order uint64
	root  node.Hash
}

func (t seedTable) Headers() []string { return []string{"Field", "Value"} }

func (t seedTable) Rows() [][]string {
	return [][]string{
		{"latest_order", fmt.Sprint(t.order)},
		{"latest_root", t.root.String()},
	}
}
