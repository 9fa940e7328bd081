package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

var (
	t0         = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	t1         = t0.AddDate(0, 1, 0)
	testMetaAt = Meta{EventID: "evt_1", CustomerRef: "cus_1", OccurredAt: t0}
)

func effectsOf[T Effect](effects []Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestTransition_CreatedAssignsTierAndQuotas(t *testing.T) {
	c := plans.DefaultCatalog()
	cur := FreeRecord(c, "u1", t0)

	next, effects := Transition(c, "u1", cur, SubscriptionCreated{
		Meta: testMetaAt, SubscriptionID: "sub_1", PriceID: plans.DefaultPriceEnterpriseMonthly,
		Status: usage.StatusActive, PeriodStart: t0, PeriodEnd: t1,
	})

	assert.Equal(t, plans.TierEnterprise, next.Tier)
	assert.Equal(t, "sub_1", next.SubscriptionID)
	assert.Equal(t, t1, next.BillingCycleEnd)
	assert.Equal(t, c.QuotaSet(plans.TierEnterprise)[plans.FeatureExpansions], next.Counter(plans.FeatureExpansions).Quota)
	require.Len(t, effectsOf[SaveRecord](effects), 1)
	assert.Empty(t, effectsOf[Notify](effects))

	// current is not mutated
	assert.Equal(t, plans.TierFree, cur.Tier)
}

func TestTransition_UnknownPriceDefaultsToPro(t *testing.T) {
	c := plans.DefaultCatalog()
	next, effects := Transition(c, "u1", FreeRecord(c, "u1", t0), SubscriptionCreated{
		Meta: testMetaAt, PriceID: "price_mystery", PeriodEnd: t1,
	})
	assert.Equal(t, plans.TierPro, next.Tier)
	assert.Equal(t, usage.StatusActive, next.SubscriptionStatus)
	assert.Len(t, effectsOf[Notify](effects), 1)
}

func TestTransition_CreatedIsIdempotent(t *testing.T) {
	c := plans.DefaultCatalog()
	ev := SubscriptionCreated{Meta: testMetaAt, PriceID: plans.DefaultPriceProMonthly, PeriodStart: t0, PeriodEnd: t1}

	once, _ := Transition(c, "u1", FreeRecord(c, "u1", t0), ev)
	twice, _ := Transition(c, "u1", once, ev)
	assert.Equal(t, once, twice)
}

func TestTransition_UpdatedKeepsQuotasWithoutTierChange(t *testing.T) {
	c := plans.DefaultCatalog()
	cur, _ := Transition(c, "u1", nil, SubscriptionCreated{Meta: testMetaAt, PriceID: plans.DefaultPriceProMonthly, PeriodEnd: t1})
	cur.Counters[plans.FeatureBriefs].Quota = 999 // manual grant

	next, _ := Transition(c, "u1", cur, SubscriptionUpdated{
		Meta: testMetaAt, PriceID: plans.DefaultPriceProMonthly, Status: usage.StatusPastDue,
	})
	assert.Equal(t, usage.StatusPastDue, next.SubscriptionStatus)
	assert.Equal(t, int64(999), next.Counter(plans.FeatureBriefs).Quota)
	assert.Equal(t, t1, next.BillingCycleEnd)

	upgraded, effects := Transition(c, "u1", cur, SubscriptionUpdated{
		Meta: testMetaAt, PriceID: plans.DefaultPriceEnterpriseMonthly, Status: usage.StatusActive,
	})
	assert.Equal(t, plans.TierEnterprise, upgraded.Tier)
	assert.Equal(t, c.QuotaFor(plans.TierEnterprise, plans.FeatureBriefs), upgraded.Counter(plans.FeatureBriefs).Quota)
	assert.Len(t, effectsOf[Notify](effects), 1)
}

func TestTransition_DeletedRestoresFreeQuotas(t *testing.T) {
	c := plans.DefaultCatalog()
	cur, _ := Transition(c, "u1", nil, SubscriptionCreated{Meta: testMetaAt, PriceID: plans.DefaultPriceEnterpriseMonthly, PeriodEnd: t1})

	next, effects := Transition(c, "u1", cur, SubscriptionDeleted{Meta: testMetaAt, SubscriptionID: "sub_1"})

	assert.Equal(t, plans.TierFree, next.Tier)
	assert.Equal(t, usage.StatusCanceled, next.SubscriptionStatus)
	assert.Empty(t, next.SubscriptionID)
	assert.Equal(t, int64(0), next.Counter(plans.FeatureExpansions).Quota)
	assert.Equal(t, int64(0), next.Counter(plans.FeatureSERPSnapshots).Quota)
	assert.Equal(t, int64(10000), next.Counter(plans.FeatureSeedKeywords).Quota)
	assert.Equal(t, int64(1000), next.Counter(plans.FeatureMetaGen).Quota)
	assert.Len(t, effectsOf[SaveRecord](effects), 1)
}

func TestTransition_StaleUpdateAfterDeleteIsSkipped(t *testing.T) {
	c := plans.DefaultCatalog()
	at := func(d time.Duration) Meta { return Meta{EventID: "evt", CustomerRef: "cus_1", OccurredAt: t0.Add(d)} }

	cur, _ := Transition(c, "u1", nil, SubscriptionCreated{Meta: at(0), PriceID: plans.DefaultPriceProMonthly, PeriodEnd: t1})
	cur, _ = Transition(c, "u1", cur, SubscriptionDeleted{Meta: at(2 * time.Hour)})
	require.Equal(t, t0.Add(2*time.Hour), cur.LastEventAt)

	next, effects := Transition(c, "u1", cur, SubscriptionUpdated{
		Meta: at(time.Hour), PriceID: plans.DefaultPriceProMonthly, Status: usage.StatusActive,
	})
	assert.Equal(t, cur, next)
	assert.Empty(t, effectsOf[SaveRecord](effects))
	assert.Len(t, effectsOf[Skip](effects), 1)
	assert.Equal(t, plans.TierFree, next.Tier)
	assert.Equal(t, usage.StatusCanceled, next.SubscriptionStatus)

	// An event at the same instant is a redelivery and applies.
	_, effects = Transition(c, "u1", cur, SubscriptionDeleted{Meta: at(2 * time.Hour)})
	assert.Len(t, effectsOf[SaveRecord](effects), 1)
}

func TestTransition_LateInvoiceResetsButKeepsNewerBounds(t *testing.T) {
	c := plans.DefaultCatalog()
	cur, _ := Transition(c, "u1", nil, SubscriptionUpdated{Meta: Meta{OccurredAt: t1}, PeriodStart: t1, PeriodEnd: t1.AddDate(0, 1, 0)})

	next, effects := Transition(c, "u1", cur, InvoicePaid{Meta: Meta{OccurredAt: t0}, InvoiceID: "in_old", PeriodStart: t0, PeriodEnd: t1})
	assert.Equal(t, t1, next.BillingCycleStart)
	assert.Empty(t, effectsOf[SaveRecord](effects))
	resets := effectsOf[ResetCycle](effects)
	require.Len(t, resets, 1)
	assert.Equal(t, "in_old", resets[0].Ref)
}

func TestTransition_InvoicePaidResets(t *testing.T) {
	c := plans.DefaultCatalog()
	cur := FreeRecord(c, "u1", t0)

	_, effects := Transition(c, "u1", cur, InvoicePaid{Meta: testMetaAt})
	resets := effectsOf[ResetCycle](effects)
	require.Len(t, resets, 1)
	assert.Equal(t, "evt_1", resets[0].Ref, "event id is the fallback reset key")
	assert.Empty(t, effectsOf[SaveRecord](effects), "bounds unchanged")

	next, effects := Transition(c, "u1", cur, InvoicePaid{Meta: testMetaAt, PeriodStart: t1, PeriodEnd: t1.AddDate(0, 1, 0)})
	assert.Equal(t, t1, next.BillingCycleStart)
	assert.Len(t, effectsOf[SaveRecord](effects), 1)
	assert.Len(t, effectsOf[ResetCycle](effects), 1)
}

func TestTransition_PaymentFailedOnlyNotifies(t *testing.T) {
	c := plans.DefaultCatalog()
	cur := FreeRecord(c, "u1", t0)
	next, effects := Transition(c, "u1", cur, InvoicePaymentFailed{Meta: testMetaAt, InvoiceID: "in_1"})
	assert.Equal(t, cur, next)
	require.Len(t, effects, 1)
	assert.IsType(t, Notify{}, effects[0])
}

func TestTransition_PurchaseTopsUp(t *testing.T) {
	c := plans.DefaultCatalog()
	cur := FreeRecord(c, "u1", t0)

	_, effects := Transition(c, "u1", cur, OneTimePurchaseCompleted{Meta: testMetaAt, PaymentRef: "pi_1", AmountCents: 475})
	tops := effectsOf[TopUp](effects)
	require.Len(t, tops, 1)
	assert.Equal(t, int64(50), tops[0].Entry.Amount)
	assert.Equal(t, "pi_1", tops[0].Entry.PaymentRef)

	_, effects = Transition(c, "u1", cur, OneTimePurchaseCompleted{Meta: testMetaAt, AmountCents: 100})
	tops = effectsOf[TopUp](effects)
	require.Len(t, tops, 1)
	assert.Equal(t, "evt_1", tops[0].Entry.PaymentRef, "event id is the fallback ref")

	_, effects = Transition(c, "u1", cur, OneTimePurchaseCompleted{Meta: testMetaAt, PaymentRef: "pi_2", AmountCents: 333})
	assert.Empty(t, effectsOf[TopUp](effects))
	assert.Len(t, effectsOf[Notify](effects), 1)
}

func TestTransition_UnprovisionedUserGetsFreeRecordFirst(t *testing.T) {
	c := plans.DefaultCatalog()
	_, effects := Transition(c, "u9", nil, OneTimePurchaseCompleted{Meta: testMetaAt, PaymentRef: "pi_9", AmountCents: 900})

	require.Len(t, effects, 3)
	assert.IsType(t, Notify{}, effects[0])
	save, ok := effects[1].(SaveRecord)
	require.True(t, ok, "record must be saved before crediting")
	assert.Equal(t, plans.TierFree, save.Record.Tier)
	assert.IsType(t, TopUp{}, effects[2])
}
