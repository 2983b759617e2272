package repositories

import (
	"context"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/cache"
)

type subscriptionKey struct {
	performer domain.PrincipalID
	user      domain.PrincipalID
}

// CachedSubscriptionChecker remembers active subscriptions for a short TTL.
// Negative answers are always rechecked so a fresh subscription is seen on
// the next join.
type CachedSubscriptionChecker struct {
	next  ports.SubscriptionChecker
	cache *cache.Cache[subscriptionKey, bool]
}

func NewCachedSubscriptionChecker(next ports.SubscriptionChecker, ttl time.Duration) *CachedSubscriptionChecker {
	return &CachedSubscriptionChecker{
		next:  next,
		cache: cache.New[subscriptionKey, bool](ttl),
	}
}

func (c *CachedSubscriptionChecker) HasActiveSubscription(ctx context.Context, performerID, userID domain.PrincipalID) (bool, error) {
	return c.cache.GetOrLoad(ctx, subscriptionKey{performer: performerID, user: userID},
		func(ctx context.Context) (bool, error) {
			return c.next.HasActiveSubscription(ctx, performerID, userID)
		},
		func(active bool) bool { return active },
	)
}

func (c *CachedSubscriptionChecker) Close() {
	c.cache.Stop()
}
