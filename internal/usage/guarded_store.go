package usage

import (
	"context"

	"github.com/shijo-seo/shijo/internal/circuitbreaker"
	"github.com/shijo-seo/shijo/internal/plans"
)

// GuardDailyStore routes daily-counter calls through a circuit breaker.
// While the breaker is open calls fail with circuitbreaker.ErrOpen, which
// the access engine treats like any other ledger outage and denies.
func GuardDailyStore(inner DailyStore, b *circuitbreaker.Breaker) DailyStore {
	return &guardedDailyStore{inner: inner, breaker: b}
}

type guardedDailyStore struct {
	inner   DailyStore
	breaker *circuitbreaker.Breaker
}

func (g *guardedDailyStore) GetDaily(ctx context.Context, userID string, f plans.Feature, day string) (n int64, err error) {
	err = g.breaker.Do(func() error {
		n, err = g.inner.GetDaily(ctx, userID, f, day)
		return err
	})
	return n, err
}

func (g *guardedDailyStore) IncrementDaily(ctx context.Context, userID string, f plans.Feature, day string) (n int64, err error) {
	err = g.breaker.Do(func() error {
		n, err = g.inner.IncrementDaily(ctx, userID, f, day)
		return err
	})
	return n, err
}

func (g *guardedDailyStore) PruneDaily(ctx context.Context, before string) (n int64, err error) {
	err = g.breaker.Do(func() error {
		n, err = g.inner.PruneDaily(ctx, before)
		return err
	})
	return n, err
}

// PurgeUser is not guarded: account deletion must reach the backend or fail
// loudly.
func (g *guardedDailyStore) PurgeUser(ctx context.Context, userID string) error {
	if p, ok := g.inner.(interface {
		PurgeUser(ctx context.Context, userID string) error
	}); ok {
		return p.PurgeUser(ctx, userID)
	}
	return nil
}
