package controller

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

// RegisterHealth adds the storage and processor checks to hc. A halted
// processor reports down, which fails readiness.
func (c *Controller) RegisterHealth(hc *health.Checker) {
	hc.Register("storage", func(ctx context.Context) health.ComponentHealth {
		g, release, err := c.acquire()
		defer release()
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		err = g.registry.Store().View(func(*kvstore.Txn) error { return nil })
		if err == nil {
			err = g.queue.Env().View(func(*kvstore.Txn) error { return nil })
		}
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	hc.Register("scheduler", func(ctx context.Context) health.ComponentHealth {
		g, release, err := c.acquire()
		defer release()
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return g.processor.HealthCheck()(ctx)
	})
	hc.Register("notifications", func(ctx context.Context) health.ComponentHealth {
		pending := c.hub.Pending()
		if pending*2 >= c.hub.Capacity() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("%d events waiting for sinks", pending)}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
}
