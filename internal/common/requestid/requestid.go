// Package requestid generates correlation IDs for render requests that
// arrive without one.
package requestid

import (
	"github.com/google/uuid"
)

// Prefix marks IDs generated by the bridge itself, so logs distinguish
// them from caller-supplied correlation IDs.
const Prefix = "rb"

// GenerateRequestID returns a correlation ID. A non-empty candidate is
// returned unchanged; callers own their IDs.
func GenerateRequestID(candidate string) string {
	if candidate != "" {
		return candidate
	}
	return Prefix + "-" + uuid.New().String()
}
