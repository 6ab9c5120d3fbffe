package memory_test

import (
	"testing"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/adapters/memory"
	"github.com/coregx/resonance/internal/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) resonance.Store {
		return memory.New()
	})
}
