package billing

import (
	"github.com/kevin07696/recurring-billing/internal/domain"
	goCache "github.com/patrickmn/go-cache"
)

const (
	prefixRelatedOrders = "related_orders:"
	prefixProduct       = "product:"
)

// RequestCache memoizes store reads for the life of one unit of work. Entries
// never expire on their own; writes invalidate what they touch.
type RequestCache struct {
	cache *goCache.Cache
}

// NewRequestCache creates an empty cache
func NewRequestCache() *RequestCache {
	// no janitor: the cache is dropped with its unit of work
	return &RequestCache{cache: goCache.New(goCache.NoExpiration, 0)}
}

// RelatedOrders returns the cached orders referencing a subscription
func (c *RequestCache) RelatedOrders(subscriptionID string) ([]*domain.Order, bool) {
	v, ok := c.cache.Get(prefixRelatedOrders + subscriptionID)
	if !ok {
		return nil, false
	}
	return v.([]*domain.Order), true
}

// SetRelatedOrders caches the orders referencing a subscription
func (c *RequestCache) SetRelatedOrders(subscriptionID string, orders []*domain.Order) {
	c.cache.Set(prefixRelatedOrders+subscriptionID, orders, goCache.NoExpiration)
}

// Product returns a cached catalog product
func (c *RequestCache) Product(id string) (domain.Recurring, bool) {
	v, ok := c.cache.Get(prefixProduct + id)
	if !ok {
		return nil, false
	}
	return v.(domain.Recurring), true
}

// SetProduct caches a catalog product
func (c *RequestCache) SetProduct(id string, p domain.Recurring) {
	c.cache.Set(prefixProduct+id, p, goCache.NoExpiration)
}

// InvalidateSubscription drops everything derived from a subscription's orders
func (c *RequestCache) InvalidateSubscription(subscriptionID string) {
	c.cache.Delete(prefixRelatedOrders + subscriptionID)
}
