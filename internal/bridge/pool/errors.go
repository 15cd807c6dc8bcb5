package pool

import "errors"

// Acquisition errors - returned while leasing a page
var (
	ErrCapacity     = errors.New("page capacity exhausted")
	ErrLaunchFailed = errors.New("browser launch failed")
	ErrPoolShutdown = errors.New("pool is shutting down")
)

// Lease errors - returned on lease misuse or browser loss
var (
	ErrLeaseReleased = errors.New("lease already released")
	ErrBrowserDead   = errors.New("browser is dead")
)
