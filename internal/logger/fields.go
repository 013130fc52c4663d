package logger

import "log/slog"

// Field keys shared by all GC log lines.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyComponent = "component"
	KeyPhase     = "phase"
	KeyCycle     = "cycle"

	KeyRoot     = "root"
	KeyRoots    = "roots"
	KeyHash     = "hash"
	KeyTxOrder  = "tx_order"
	KeyBoundary = "boundary"
	KeyStrategy = "strategy"

	KeyBatch    = "batch"
	KeyWorkers  = "workers"
	KeyScanned  = "scanned"
	KeyKept     = "kept"
	KeyDeleted  = "deleted"
	KeyRecycled = "recycled"
	KeyMarked   = "marked"
	KeyCount    = "count"
	KeySize     = "size"

	KeyPath       = "path"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyDryRun     = "dry_run"
)

// Err returns an error attribute, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
