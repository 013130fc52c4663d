package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/export"
	"github.com/marmos91/stategc/pkg/export/s3"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

var (
	exportOrder        uint64
	exportRoot         string
	exportGlobalSize   uint64
	exportOut          string
	exportForceRestart bool
	exportUpload       bool
	exportVerify       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build a standalone snapshot of one state",
	Long: `Copy every node reachable from one state root into a fresh database
under --out and write snapshot.json next to it.

An interrupted export resumes from its checkpoint unless --force-restart
is given. With --upload the finished export is dumped and copied to the
configured S3 bucket.

Examples:
  # Export the latest state
  stategc export --out /backups/latest

  # Export order 1200 and upload it
  stategc export --order 1200 --out /backups/1200 --upload

  # Check a finished export
  stategc export --verify /backups/1200`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().Uint64Var(&exportOrder, "order", 0, "Transaction order to export (default: latest)")
	exportCmd.Flags().StringVar(&exportRoot, "root", "", "State root to export; must match --order when both are set")
	exportCmd.Flags().Uint64Var(&exportGlobalSize, "global-size", 0, "Global size recorded in snapshot.json")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output directory")
	exportCmd.Flags().BoolVar(&exportForceRestart, "force-restart", false, "Discard an existing checkpoint and start over")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "Upload the finished export to export.s3")
	exportCmd.Flags().StringVar(&exportVerify, "verify", "", "Verify the export in this directory and exit")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if exportVerify != "" {
		meta, err := export.Verify(ctx, exportVerify)
		if err != nil {
			return err
		}
		cmdutil.PrintSuccess(fmt.Sprintf("Export in %s is complete", exportVerify))
		return cmdutil.PrintResource(os.Stdout, meta, meta)
	}
	if exportOut == "" {
		return fmt.Errorf("--out is required")
	}

	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(ctx) }()

	target, err := resolveExportTarget(cmd, env.Store)
	if err != nil {
		return err
	}

	builder, err := export.NewBuilder(env.Store, env.Config.Export.Config,
		export.WithProgress(func(p export.Progress) {
			logger.Debug("export: batch written",
				"batches", p.Batches,
				"batch", p.Batch,
				"frontier", p.Frontier,
				"next_batch_size", p.BatchSize,
				"pressure", p.Pressure)
		}))
	if err != nil {
		return err
	}
	meta, err := builder.Build(ctx, export.Request{
		StateRoot:    target.Root,
		TxOrder:      target.Order,
		GlobalSize:   exportGlobalSize,
		OutputDir:    exportOut,
		ForceRestart: exportForceRestart,
	})
	if err != nil {
		return err
	}

	if !exportUpload {
		return cmdutil.PrintResource(os.Stdout, meta, meta)
	}

	up, err := s3.NewFromConfig(ctx, env.Config.Export.S3)
	if err != nil {
		return err
	}
	res, err := up.Upload(ctx, exportOut)
	if err != nil {
		return err
	}
	cmdutil.PrintSuccess(fmt.Sprintf("Uploaded %d nodes to s3://%s/%s", res.Nodes, res.Bucket, res.DumpKey))
	return cmdutil.PrintResource(os.Stdout, exportResult{Snapshot: meta, Upload: res}, meta)
}

type exportResult struct {
	Snapshot *export.SnapshotMeta `json:"snapshot" yaml:"snapshot"`
	Upload   *s3.Result           `json:"upload" yaml:"upload"`
}

// resolveExportTarget picks the root to export from --order and --root.
func resolveExportTarget(cmd *cobra.Command, roots store.RootIndex) (store.RootEntry, error) {
	ctx := cmd.Context()
	var want node.Hash
	if exportRoot != "" {
		h, err := cmdutil.ParseHash(exportRoot)
		if err != nil {
			return store.RootEntry{}, err
		}
		want = h
	}

	var target store.RootEntry
	if cmd.Flags().Changed("order") {
		r, err := roots.Root(ctx, exportOrder)
		if errors.Is(err, store.ErrNotFound) {
			return target, fmt.Errorf("no state root recorded at order %d", exportOrder)
		}
		if err != nil {
			return target, err
		}
		target = store.RootEntry{Order: exportOrder, Root: r}
	} else {
		latest, err := roots.LatestRoot(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return target, fmt.Errorf("the store has no recorded state roots")
		}
		if err != nil {
			return target, err
		}
		target = latest
	}

	if !want.IsZero() && want != target.Root {
		return target, fmt.Errorf("root %s does not match order %d (recorded %s)",
			want.Short(), target.Order, target.Root.Short())
	}
	return target, nil
}
