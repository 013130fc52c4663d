//go:build unix

package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/gc"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

func TestVerifyDatabaseAccess(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		r, err := VerifyDatabaseAccess(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.True(t, r.DatabaseAvailable)
	})

	t.Run("OpenDatabaseIsUnavailable", func(t *testing.T) {
		dir := t.TempDir()
		s, err := bstore.Open(bstore.Config{Path: dir})
		require.NoError(t, err)

		r, err := VerifyDatabaseAccess(dir)
		require.NoError(t, err)
		assert.False(t, r.DatabaseAvailable)
		assert.Equal(t, os.Getpid(), r.LockHolderPID)
		assert.Contains(t, r.Message, "in use")

		err = Require(r, false)
		assert.True(t, gc.IsCode(err, gc.ErrSafetyViolation))
		assert.NoError(t, Require(r, true))

		require.NoError(t, s.Close())
		r, err = VerifyDatabaseAccess(dir)
		require.NoError(t, err)
		assert.True(t, r.DatabaseAvailable)
		assert.NoError(t, Require(r, false))
	})

	t.Run("StalePidFile", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), []byte("4242\n"), 0o644))
		r, err := VerifyDatabaseAccess(dir)
		require.NoError(t, err)
		assert.True(t, r.DatabaseAvailable)
		assert.Equal(t, 4242, r.LockHolderPID)
		assert.Contains(t, r.Message, "stale")
	})

	t.Run("NotADirectory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, nil, 0o644))
		_, err := VerifyDatabaseAccess(f)
		assert.Error(t, err)
	})
}
