package cache

import (
	"time"

	costmodeldomain "github.com/vibeany/billingcore/internal/costmodel/domain"
	"go.uber.org/fx"
)

const costModelTTL = 5 * time.Minute

// CostModelCache shortcuts the per-consume cost model lookup. Rows change
// rarely, so a short TTL plus explicit invalidation on upsert is enough.
type CostModelCache struct {
	inner Cache[string, *costmodeldomain.CostModel]
}

func NewCostModelCache() *CostModelCache {
	return &CostModelCache{inner: NewTTLCache[string, *costmodeldomain.CostModel]()}
}

func (c *CostModelCache) Get(metric string) (*costmodeldomain.CostModel, bool) {
	if c == nil {
		return nil, false
	}
	return c.inner.Get(metric)
}

func (c *CostModelCache) Set(metric string, model *costmodeldomain.CostModel) {
	if c == nil {
		return
	}
	c.inner.Set(metric, model, costModelTTL)
}

func (c *CostModelCache) Invalidate(metric string) {
	if c == nil {
		return
	}
	c.inner.Delete(metric)
}

var Module = fx.Module("cache",
	fx.Provide(NewCostModelCache),
)
