package tree

import (
	"context"
	"sync/atomic"

	"github.com/vuduchild/sapling/pkg/qlog"
)

// ctx is threaded through every TreeInode operation. It carries logging,
// the per-request id used to correlate trace lines,
// whether this call originated from a live FUSE request (as opposed to a
// background flusher or prefetcher), and the context.Context a blocking
// call (object store fetch, overlay I/O) should observe for cancellation.
type ctx struct {
	Qlog      *qlog.Qlog
	RequestID uint64
	std       context.Context

	isFuseRequest bool
}

func newCtx(q *qlog.Qlog) *ctx {
	return &ctx{Qlog: q, std: context.Background()}
}

// Context returns the context.Context blocking calls within this
// operation should observe.
func (c *ctx) Context() context.Context {
	if c.std == nil {
		return context.Background()
	}
	return c.std
}

var backgroundRequestID uint64

// background returns a ctx for use by goroutines with no associated FUSE
// request: the unload scanner, the diff/checkout walkers, the overlay
// flusher.
func (c *ctx) background() *ctx {
	nc := *c
	nc.RequestID = atomic.AddUint64(&backgroundRequestID, 1)
	nc.isFuseRequest = false
	return &nc
}

func (c *ctx) withRequestID(id uint64) *ctx {
	nc := *c
	nc.RequestID = id
	nc.isFuseRequest = true
	return &nc
}

func (c *ctx) Elog(sys qlog.Subsystem, format string, args ...interface{}) {
	c.Qlog.Log(sys, c.RequestID, qlog.Error, format, args...)
}

func (c *ctx) Wlog(sys qlog.Subsystem, format string, args ...interface{}) {
	c.Qlog.Log(sys, c.RequestID, qlog.Warn, format, args...)
}

func (c *ctx) Dlog(sys qlog.Subsystem, format string, args ...interface{}) {
	c.Qlog.Log(sys, c.RequestID, qlog.Debug, format, args...)
}

func (c *ctx) Vlog(sys qlog.Subsystem, format string, args ...interface{}) {
	c.Qlog.Log(sys, c.RequestID, qlog.Vlog, format, args...)
}

func (c *ctx) FuncIn(sys qlog.Subsystem, name, format string, args ...interface{}) *qlog.TraceScope {
	return c.Qlog.FuncIn(sys, c.RequestID, name, format, args...)
}

// Assert logs a BUG-level message rather than panicking outright when a
// non-crucial invariant is violated in a background goroutine: an error
// message beats a silent thread death.
func (c *ctx) Assert(condition bool, format string, args ...interface{}) {
	if !condition {
		c.Elog(qlog.LogTree, "BUG: "+format, args...)
	}
}
