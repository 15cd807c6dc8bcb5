package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/pkg/types"
)

// Error carries the render error taxonomy to the transport layer.
// Type is one of the types.ErrorType* identifiers.
type Error struct {
	Type string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(errorType string, err error) *Error {
	return &Error{Type: errorType, Err: err}
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Type: types.ErrorTypeValidation, Err: fmt.Errorf(format, args...)}
}

// classify maps pool and engine failures onto the error taxonomy.
func classify(err error) *Error {
	switch {
	case errors.Is(err, pool.ErrCapacity):
		return newError(types.ErrorTypeCapacity, err)
	case errors.Is(err, pool.ErrLaunchFailed):
		return newError(types.ErrorTypeLaunch, err)
	case errors.Is(err, pool.ErrPoolShutdown):
		return newError(types.ErrorTypeCapacity, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(types.ErrorTypeTimeout, err)
	case errors.Is(err, engine.ErrNavigationFailed):
		return newError(types.ErrorTypeNavigation, err)
	case errors.Is(err, engine.ErrBrowserClosed), errors.Is(err, pool.ErrBrowserDead):
		return newError(types.ErrorTypeProtocol, err)
	case errors.Is(err, engine.ErrProtocol):
		return newError(types.ErrorTypeProtocol, err)
	default:
		return newError(types.ErrorTypeNavigation, err)
	}
}
