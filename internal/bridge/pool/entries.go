package pool

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

// contextEntry tracks one browser context and its page occupancy.
// All fields are guarded by the pool mutex.
type contextEntry struct {
	key     string
	browser *browserEntry
	ctx     engine.BrowserContext

	// creating marks a slot reserved while the engine call runs
	// outside the pool lock.
	creating bool
	closed   bool

	activePages int
	idlePages   []engine.Page
	lastUsed    time.Time
}

// browserEntry tracks one launched browser and its contexts.
// All fields are guarded by the pool mutex.
type browserEntry struct {
	browser  engine.Browser
	contexts map[string]*contextEntry
	leases   map[*Lease]struct{}

	launching bool
	dead      bool
}

func (b *browserEntry) contextCount() int {
	return len(b.contexts)
}

// contextName derives a stable short identifier for a context key, used
// in logs and the lease board. Keys are caller-chosen and may be long.
func contextName(key string) string {
	if key == "" {
		return "default"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
