package telemetry

// Attribute keys attached to GC spans.
const (
	AttrPhase     = "gc.phase"
	AttrCycle     = "gc.cycle"
	AttrRoots     = "gc.roots"
	AttrStrategy  = "gc.strategy"
	AttrMarked    = "gc.marked"
	AttrScanned   = "gc.scanned"
	AttrDeleted   = "gc.deleted"
	AttrRecycled  = "gc.recycled"
	AttrDryRun    = "gc.dry_run"
	AttrBoundary  = "gc.boundary"
	AttrTxOrder   = "state.tx_order"
	AttrStateRoot = "state.root"
	AttrNodes     = "export.nodes"
	AttrBucket    = "storage.bucket"
)

// Span names.
const (
	SpanGCRun        = "gc.run"
	SpanMark         = "gc.mark"
	SpanSweep        = "gc.sweep"
	SpanIncremental  = "gc.incremental"
	SpanPhaseStep    = "pruner.step"
	SpanSnapshot     = "snapshot.acquire"
	SpanExport       = "export.build"
	SpanExportUpload = "export.upload"
)
