package run

import (
	"context"
	"sync/atomic"

	"github.com/Kush-Singh-26/vallenato/engine/lifecycle"
)

// Current holds the generation that receives requests
type Current struct {
	p atomic.Pointer[Worker]
}

// Load returns the active worker, nil before the first claim
func (c *Current) Load() *Worker {
	return c.p.Load()
}

// Promote activates w and claims with it. The generation it replaces is
// retired once the swap is done; in-flight requests on the old worker finish
// normally.
func (c *Current) Promote(ctx context.Context, w *Worker) (lifecycle.Result, error) {
	var old *Worker
	res, err := w.Activate(ctx, func() {
		old = c.p.Swap(w)
	})
	if old != nil && old != w {
		old.Retire()
	}
	return res, err
}

// Shutdown retires the active worker
func (c *Current) Shutdown() {
	if w := c.p.Swap(nil); w != nil {
		w.Retire()
	}
}
