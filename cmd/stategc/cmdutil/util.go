// Package cmdutil provides shared utilities for stategc commands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/stategc/internal/cli/output"
	"github.com/marmos91/stategc/internal/cli/prompt"
	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/config"
	"github.com/marmos91/stategc/pkg/metrics"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/pruner"
	"github.com/marmos91/stategc/pkg/recyclebin"
	"github.com/marmos91/stategc/pkg/safety"
	"github.com/marmos91/stategc/pkg/snapshot"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

// Version is set by main from build-time variables.
var Version = "dev"

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	NoColor    bool
	Verbose    bool
}

// LoadConfig loads the configuration named by --config. A missing file
// falls back to defaults and STATEGC_* variables.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(Flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if Flags.Verbose {
		cfg.Logging.Level = "DEBUG"
	}
	return cfg, nil
}

// Env is an opened store with the services built on it.
type Env struct {
	Config  *config.Config
	Store   *bstore.Store
	Bin     *recyclebin.Bin
	Metrics *metrics.GCMetrics

	closers []func(context.Context) error
}

// EnvOptions control OpenEnv.
type EnvOptions struct {
	// Force skips the safety check's refusal, keeping its warning.
	Force bool
}

// OpenEnv initializes logging, tracing, profiling and metrics, verifies
// nobody else has the database open and opens it.
func OpenEnv(ctx context.Context, opts EnvOptions) (*Env, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, err
	}

	env := &Env{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = env.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.TracingConfig(Version))
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, shutdown)

	stopProfiling, err := telemetry.InitProfiling(cfg.ProfilingConfig(Version))
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, func(context.Context) error { return stopProfiling() })

	if !cfg.Store.InMemory {
		report, err := safety.VerifyDatabaseAccess(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		if err := safety.Require(report, opts.Force); err != nil {
			return nil, err
		}
	}

	s, err := bstore.Open(cfg.BadgerConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.Store = s
	env.closers = append(env.closers, func(context.Context) error { return s.Close() })
	env.Bin = recyclebin.New(s.DB())

	if cfg.Metrics.Enabled {
		reg := metrics.InitRegistry()
		env.Metrics = metrics.NewGCMetrics()
		srv := metrics.NewServer(cfg.Metrics.Port, reg, s.Healthcheck)
		srvCtx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := srv.Start(srvCtx); err != nil {
				logger.Warn("metrics server stopped", logger.Err(err))
			}
		}()
		env.closers = append(env.closers, func(ctx context.Context) error {
			cancel()
			return srv.Stop(ctx)
		})
	}

	ok = true
	return env, nil
}

// Close releases everything OpenEnv acquired, newest first.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Snapshots builds the snapshot manager for this store.
func (e *Env) Snapshots() (*snapshot.Manager, error) {
	var p snapshot.Persister = snapshot.NewNullPersister()
	if e.Config.Snapshot.EnablePersistence {
		p = snapshot.NewMetaPersister(e.Store)
	}
	return snapshot.NewManager(e.Config.Snapshot, e.Store, e.Store, p)
}

// Deps wires the collector's dependencies.
func (e *Env) Deps() (pruner.Deps, error) {
	mgr, err := e.Snapshots()
	if err != nil {
		return pruner.Deps{}, err
	}
	return pruner.Deps{
		Nodes:     e.Store,
		Ledger:    e.Store,
		Meta:      e.Store,
		Roots:     e.Store,
		Scratch:   e.Store.Scratch(),
		Bin:       e.Bin,
		Snapshots: mgr,
		Metrics:   e.Metrics,
	}, nil
}

// RefreshBinGauge publishes the recycle bin size after a destructive run.
func (e *Env) RefreshBinGauge(ctx context.Context) {
	if e.Metrics == nil {
		return
	}
	st, err := e.Bin.Stats(ctx)
	if err != nil {
		logger.Warn("recycle bin stats failed", logger.Err(err))
		return
	}
	e.Metrics.SetRecycleBin(st.Entries, st.Bytes)
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// PrintOutput prints data in the specified format (JSON, YAML, or table).
// For table format, it displays emptyMsg if data is empty, otherwise uses the tableRenderer.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintResource prints a resource in the specified format.
func PrintResource(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	return PrintOutput(w, data, false, "", tableRenderer)
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	output.NewPrinter(os.Stdout, format, !IsColorDisabled()).Success(msg)
}

// PrintWarning prints a warning if the output format is table.
func PrintWarning(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	output.NewPrinter(os.Stdout, format, !IsColorDisabled()).Warning(msg)
}

// Confirm asks before a destructive step unless yes is set. It returns
// false when the operator declines or interrupts.
func Confirm(label string, yes bool) (bool, error) {
	confirmed, err := prompt.ConfirmWithForce(label, yes)
	if errors.Is(err, prompt.ErrAborted) {
		fmt.Println("\nAborted.")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !confirmed {
		fmt.Println("Aborted.")
	}
	return confirmed, nil
}

// ParseHash accepts a full hex node hash.
func ParseHash(s string) (node.Hash, error) {
	h, err := node.ParseHash(strings.TrimSpace(s))
	if err != nil {
		return node.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// ParseAge turns "36h", "7d" or an RFC3339 timestamp into an absolute
// time relative to now. Empty returns the zero time.
func ParseAge(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("invalid age %q", s)
		}
		return now.Add(-time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid age %q: want a duration like 36h, a day count like 7d or an RFC3339 time", s)
	}
	return now.Add(-d), nil
}

// BoolToYesNo converts a boolean to "yes" or "no" string.
func BoolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
