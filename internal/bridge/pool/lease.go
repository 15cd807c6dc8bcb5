package pool

import (
	"context"
	"sync"
	"time"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

type leaseState int

const (
	leaseActive leaseState = iota
	leaseReleased
	leaseFailed
)

// Lease is an exclusive claim on one page. A lease is released exactly
// once; a browser crash fails every lease on that browser and later
// operations on them return ErrBrowserDead.
type Lease struct {
	id        string
	requestID string
	pool      *Pool
	browser   *browserEntry
	context   *contextEntry
	page      engine.Page
	createdAt time.Time

	mu    sync.Mutex
	state leaseState
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// Page returns the leased page.
func (l *Lease) Page() engine.Page { return l.page }

// BrowserID identifies the browser the page belongs to.
func (l *Lease) BrowserID() string { return l.browser.browser.ID() }

// ContextKey returns the key the page's context is registered under.
func (l *Lease) ContextKey() string { return l.context.key }

// Failed reports whether the lease was force-failed by a browser crash.
func (l *Lease) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == leaseFailed
}

// ExportStorageState exports the cookie state of the page's context.
func (l *Lease) ExportStorageState(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state == leaseFailed {
		return nil, ErrBrowserDead
	}
	if state == leaseReleased {
		return nil, ErrLeaseReleased
	}
	return l.context.ctx.ExportStorageState(ctx)
}

// Release returns the page slot to the pool. With keepWarm the page
// stays open inside its context for reuse; otherwise the page is
// closed. Releasing twice returns ErrLeaseReleased, releasing a failed
// lease returns ErrBrowserDead.
func (l *Lease) Release(keepWarm bool) error {
	l.mu.Lock()
	switch l.state {
	case leaseReleased:
		l.mu.Unlock()
		return ErrLeaseReleased
	case leaseFailed:
		l.mu.Unlock()
		return ErrBrowserDead
	}
	l.state = leaseReleased
	l.mu.Unlock()

	l.pool.finishRelease(l, keepWarm)
	return nil
}

// forceFail transitions an active lease to failed. Returns false when
// the lease already left the active state.
func (l *Lease) forceFail() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseActive {
		return false
	}
	l.state = leaseFailed
	return true
}
