package app

import (
	"sync/atomic"

	"github.com/daaily/daaily-go/internal/proxy"
)

// Health tracks whether the proxy holds a usable credential.
// All methods are thread-safe.
type Health struct {
	ready atomic.Bool
}

// Compile-time check that Health implements proxy.ReadinessChecker interface
var _ proxy.ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health that starts out not ready.
func NewHealth() *Health {
	return &Health{}
}

// SetReady updates the readiness state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the readiness state.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}
