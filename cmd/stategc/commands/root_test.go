package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/gc"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 1},
		{"canceled", fmt.Errorf("sweep: %w", context.Canceled), 130},
		{"config", gc.NewConfigInvalidError("bad"), 2},
		{"safety", fmt.Errorf("open: %w", gc.NewSafetyViolationError("locked")), 3},
		{"lock timeout", gc.NewLockTimeoutError("snapshot lock"), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	Version = "1.2.3"
	t.Cleanup(func() { Version = "dev" })

	cmd := GetRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version", "--short"})
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetArgs(nil)
		versionShort = false
	})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "1.2.3", strings.TrimSpace(buf.String()))
}

func TestCommandsAgainstStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("STATEGC_STORE_PATH", filepath.Join(dir, "db"))
	t.Setenv("STATEGC_RETENTION_KEEP_RECENT", "2")
	t.Setenv("STATEGC_GC_REACH_DIR", filepath.Join(dir, "reach"))

	cmd := GetRootCmd()
	t.Cleanup(func() {
		cmd.SetArgs(nil)
		exportVerify, exportOut = "", ""
	})

	run := func(args ...string) error {
		cmd.SetArgs(args)
		return cmd.ExecuteContext(context.Background())
	}

	require.NoError(t, run("seed", "--versions", "6", "--keys", "40", "--churn", "10", "--nested", "25"))
	require.NoError(t, run("safety", "check"))
	require.NoError(t, run("gc", "run", "--yes"))
	require.NoError(t, run("prune", "incremental", "--yes"))
	require.NoError(t, run("recycle", "stats"))
	require.NoError(t, run("export", "--out", filepath.Join(dir, "export")))
	require.NoError(t, run("export", "--verify", filepath.Join(dir, "export")))
	exportVerify = ""
	require.NoError(t, run("diagnose"))

	err := run("export", "--order", "999", "--out", filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no state root recorded at order 999")
}
