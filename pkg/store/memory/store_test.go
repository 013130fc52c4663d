package memory

import (
	"testing"

	"github.com/marmos91/stategc/pkg/store"
	"github.com/marmos91/stategc/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storetest.Backend {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestScratchSet(t *testing.T) {
	storetest.RunScratchSetTests(t, func(*testing.T) store.ScratchSet { return NewScratchSet() })
}
