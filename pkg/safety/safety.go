// Package safety refuses destructive work against a database another
// process has open.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/gc"
)

// LockFile is the pid file BadgerDB writes next to its directory lock.
const LockFile = "LOCK"

// Report describes whether the database at Path can be opened exclusively.
type Report struct {
	Path              string `json:"path" yaml:"path"`
	DatabaseAvailable bool   `json:"database_available" yaml:"database_available"`
	Message           string `json:"message" yaml:"message"`

	// LockHolderPID is the pid recorded in the lock file, 0 if none.
	LockHolderPID int `json:"lock_holder_pid,omitempty" yaml:"lock_holder_pid,omitempty"`
}

// Headers implements output.TableRenderer.
func (r *Report) Headers() []string { return []string{"Field", "Value"} }

// Rows implements output.TableRenderer.
func (r *Report) Rows() [][]string {
	rows := [][]string{
		{"path", r.Path},
		{"available", strconv.FormatBool(r.DatabaseAvailable)},
		{"message", r.Message},
	}
	if r.LockHolderPID != 0 {
		rows = append(rows, []string{"lock holder pid", strconv.Itoa(r.LockHolderPID)})
	}
	return rows
}

// VerifyDatabaseAccess probes the storage engine's directory lock without
// keeping it.
func VerifyDatabaseAccess(path string) (*Report, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &Report{Path: abs}

	fi, err := os.Stat(abs)
	if os.IsNotExist(err) {
		r.DatabaseAvailable = true
		r.Message = "no database at path"
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	r.LockHolderPID = readPID(filepath.Join(abs, LockFile))

	held, err := probeLock(abs)
	if err != nil {
		return nil, fmt.Errorf("probe lock on %s: %w", abs, err)
	}
	switch {
	case held && r.LockHolderPID != 0:
		r.Message = fmt.Sprintf("database is in use by process %d; stop it first or pass --force", r.LockHolderPID)
	case held:
		r.Message = "database is locked by another process; stop it first or pass --force"
	case r.LockHolderPID != 0:
		r.DatabaseAvailable = true
		r.Message = fmt.Sprintf("stale lock file left by process %d", r.LockHolderPID)
	default:
		r.DatabaseAvailable = true
		r.Message = "database is not in use"
	}
	return r, nil
}

func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

// Require turns an unavailable report into a SafetyViolation unless force
// is set.
func Require(r *Report, force bool) error {
	if r.DatabaseAvailable {
		return nil
	}
	if force {
		logger.Warn("safety check overridden", logger.KeyPath, r.Path, "reason", r.Message)
		return nil
	}
	return gc.NewSafetyViolationError(r.Message)
}
