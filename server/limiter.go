package server

import (
	"fmt"
	"sync/atomic"

	"github.com/brevmail/brev/pkg/metrics"
)

// ConnectionLimiter caps the concurrent connections of one listener.
type ConnectionLimiter struct {
	protocol string
	max      int64
	current  atomic.Int64
}

// NewConnectionLimiter builds a limiter; max <= 0 means unlimited.
func NewConnectionLimiter(protocol string, max int) *ConnectionLimiter {
	return &ConnectionLimiter{protocol: protocol, max: int64(max)}
}

// Acquire claims a slot and returns its release func, or an error when the
// listener is full.
func (l *ConnectionLimiter) Acquire() (func(), error) {
	n := l.current.Add(1)
	if l.max > 0 && n > l.max {
		l.current.Add(-1)
		metrics.ConnectionsRejected.WithLabelValues(l.protocol).Inc()
		return nil, fmt.Errorf("connection limit reached (%d)", l.max)
	}
	metrics.ConnectionsTotal.WithLabelValues(l.protocol).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(l.protocol).Set(float64(n))

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			metrics.ConnectionsCurrent.WithLabelValues(l.protocol).Set(float64(l.current.Add(-1)))
		}
	}, nil
}

// Current reports the connections currently held.
func (l *ConnectionLimiter) Current() int64 {
	return l.current.Load()
}
