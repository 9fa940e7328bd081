//go:build integration

package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/testutil"
	"github.com/shijo-seo/shijo/internal/usage"
)

func seed(t *testing.T, s *usage.PostgresStore, userID string, tier plans.Tier) {
	t.Helper()
	rec := &usage.QuotaRecord{UserID: userID, Tier: tier, SubscriptionStatus: usage.StatusActive}
	q := plans.DefaultCatalog().QuotaSet(tier)
	for i := range rec.Counters {
		rec.Counters[i].Quota = q[i]
	}
	require.NoError(t, s.SaveQuota(context.Background(), rec))
}

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := usage.NewPostgresStore(db)

	seed(t, s, "u1", plans.TierPro)
	require.NoError(t, s.LinkCustomer(ctx, "u1", "cus_1"))

	t.Run("concurrent increments are never lost", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementUsed(ctx, "u1", plans.FeatureBriefs, 1)
				assert.NoError(t, err)
				_, err = s.IncrementDaily(ctx, "u1", plans.FeatureExpansions, "2026-01-01")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(20), rec.Counter(plans.FeatureBriefs).Used)
		n, err := s.GetDaily(ctx, "u1", plans.FeatureExpansions, "2026-01-01")
		require.NoError(t, err)
		assert.Equal(t, int64(20), n)
	})

	t.Run("plan change keeps used counters", func(t *testing.T) {
		seed(t, s, "u1", plans.TierEnterprise)
		rec, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, plans.TierEnterprise, rec.Tier)
		assert.Equal(t, int64(20), rec.Counter(plans.FeatureBriefs).Used)
	})

	t.Run("top-up applies once per payment", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.TopUp(ctx, &usage.CreditEntry{UserID: "u1", Amount: 50, PaymentRef: "pi_dup"})
			}()
		}
		wg.Wait()

		rec, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), rec.CreditsBalance)

		hist, err := s.CreditHistory(ctx, "u1", nil, 10)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("burst tally", func(t *testing.T) {
		require.NoError(t, s.SaveBurst(ctx, &usage.BurstRecord{UserID: "u1", TenureDays: 100, PaymentHealth: true, BurstEligible: true}))
		require.NoError(t, s.AddBurstUsed(ctx, "u1", 3, time.Now()))
		b, err := s.GetBurst(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), b.BurstUsedThisMonth)
		assert.True(t, b.BurstEligible)
	})

	t.Run("cycle reset applies once per invoice", func(t *testing.T) {
		require.NoError(t, s.ResetCycle(ctx, "u1", "in_1"))
		rec, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, rec.Counter(plans.FeatureBriefs).Used)
		b, err := s.GetBurst(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, b.BurstUsedThisMonth)

		_, err = s.IncrementUsed(ctx, "u1", plans.FeatureBriefs, 4)
		require.NoError(t, err)
		assert.ErrorIs(t, s.ResetCycle(ctx, "u1", "in_1"), usage.ErrDuplicateReset)
		rec, err = s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), rec.Counter(plans.FeatureBriefs).Used)
	})

	t.Run("older billing event does not overwrite newer", func(t *testing.T) {
		at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
		rec, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)

		rec.Tier = plans.TierFree
		rec.SubscriptionStatus = usage.StatusCanceled
		rec.LastEventAt = at
		require.NoError(t, s.SaveQuota(ctx, rec))

		rec.Tier = plans.TierPro
		rec.SubscriptionStatus = usage.StatusActive
		rec.LastEventAt = at.Add(-time.Hour)
		require.NoError(t, s.SaveQuota(ctx, rec))

		got, err := s.GetQuota(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, plans.TierFree, got.Tier)
		assert.Equal(t, usage.StatusCanceled, got.SubscriptionStatus)
		assert.True(t, at.Equal(got.LastEventAt))
	})

	t.Run("delete cascades", func(t *testing.T) {
		require.NoError(t, s.DeleteUser(ctx, "u1"))
		_, err := s.GetQuota(ctx, "u1")
		assert.ErrorIs(t, err, usage.ErrNotProvisioned)
		_, err = s.UserForCustomer(ctx, "cus_1")
		assert.ErrorIs(t, err, usage.ErrCustomerNotFound)
		_, err = s.GetBurst(ctx, "u1")
		assert.ErrorIs(t, err, usage.ErrBurstNotFound)
	})
}
