package export

import "runtime"

// heapFunc reports the bytes currently allocated on the heap.
type heapFunc func() uint64

func liveHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// sizer adapts the batch size to heap pressure. Above the threshold the
// batch halves; well below it the batch doubles back towards the maximum.
type sizer struct {
	cur, min, max int
	limit         uint64
	threshold     float64
	heap          heapFunc
}

func newSizer(cfg Config, heap heapFunc) *sizer {
	return &sizer{
		cur:       cfg.BatchSize,
		min:       cfg.MinBatchSize,
		max:       cfg.MaxBatchSize,
		limit:     cfg.MemoryLimit.Uint64(),
		threshold: cfg.MemoryPressureThreshold,
		heap:      heap,
	}
}

func (s *sizer) size() int { return s.cur }

// pressure is heap usage as a fraction of the limit. Without a limit there
// is never pressure.
func (s *sizer) pressure() float64 {
	if s.limit == 0 {
		return 0
	}
	return float64(s.heap()) / float64(s.limit)
}

// adjust returns the new batch size and the pressure it was based on.
func (s *sizer) adjust() (int, float64) {
	p := s.pressure()
	switch {
	case p > s.threshold:
		s.cur = max(s.min, s.cur/2)
	case p < s.threshold/2:
		s.cur = min(s.max, s.cur*2)
	}
	return s.cur, p
}
