package plans

import "sort"

// Default billing-provider price identifiers.
const (
	DefaultPriceProMonthly        = "price_1SrTjeHF4DsT3nuc4CoCdQNz"
	DefaultPriceEnterpriseMonthly = "price_1SrTjfHF4DsT3nucTM6xX6eu"
	DefaultPriceCredits10         = "price_1SrTjgHF4DsT3nuc1a646JL5"
	DefaultPriceCredits50         = "price_1SrTjiHF4DsT3nucBXGXeP7s"
	DefaultPriceCredits100        = "price_1SrTjkHF4DsT3nucxXEFQXHz"
)

// PlanConfig defines limits for a pricing tier.
type PlanConfig struct {
	Tier            Tier
	Name            string
	MonthlyPriceUSD int
	PriceID         string
	Quotas          map[Feature]int64 // 0 = feature disabled
	DailyCaps       map[Feature]int64 // free tier only
	BurstAllowances map[Feature]int64 // paid tiers only
	CreditMetered   map[Feature]bool  // features charged in prepaid credits on this tier
}

// CreditPack is a one-time credit purchase.
type CreditPack struct {
	Name        string `json:"name"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amountCents"`
	PriceID     string `json:"priceId"`
}

// Catalog is the read-only plan configuration. Build it once at startup and
// inject it; it is safe for concurrent use because nothing mutates it.
type Catalog struct {
	plans       map[Tier]PlanConfig
	priceTiers  map[string]Tier
	packs       []CreditPack
	creditCosts map[Feature]int64
}

// Option adjusts a catalog while it is being built.
type Option func(*Catalog)

// WithTierPrice binds a billing price id to a tier.
func WithTierPrice(t Tier, priceID string) Option {
	return func(c *Catalog) {
		if priceID == "" {
			return
		}
		p := c.plans[t]
		if p.PriceID != "" {
			delete(c.priceTiers, p.PriceID)
		}
		p.PriceID = priceID
		c.plans[t] = p
		c.priceTiers[priceID] = t
	}
}

// WithCreditPackPrice binds a billing price id to the pack granting credits.
func WithCreditPackPrice(credits int64, priceID string) Option {
	return func(c *Catalog) {
		if priceID == "" {
			return
		}
		for i := range c.packs {
			if c.packs[i].Credits == credits {
				c.packs[i].PriceID = priceID
			}
		}
	}
}

// WithCreditMetered charges the given features in prepaid credits on tier t.
func WithCreditMetered(t Tier, features ...Feature) Option {
	return func(c *Catalog) {
		p, ok := c.plans[t]
		if !ok {
			return
		}
		if p.CreditMetered == nil {
			p.CreditMetered = make(map[Feature]bool)
		}
		for _, f := range features {
			if f.Valid() {
				p.CreditMetered[f] = true
			}
		}
		c.plans[t] = p
	}
}

// NewCatalog builds a catalog from explicit plans, packs and credit costs.
// Inputs are copied so later changes by the caller do not leak in.
func NewCatalog(cfgs []PlanConfig, packs []CreditPack, costs map[Feature]int64, opts ...Option) *Catalog {
	c := &Catalog{
		plans:       make(map[Tier]PlanConfig, len(cfgs)),
		priceTiers:  make(map[string]Tier),
		packs:       append([]CreditPack(nil), packs...),
		creditCosts: copyInts(costs),
	}
	for _, p := range cfgs {
		p.Quotas = copyInts(p.Quotas)
		p.DailyCaps = copyInts(p.DailyCaps)
		p.BurstAllowances = copyInts(p.BurstAllowances)
		p.CreditMetered = copyBools(p.CreditMetered)
		c.plans[p.Tier] = p
		if p.PriceID != "" {
			c.priceTiers[p.PriceID] = p.Tier
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultCatalog returns the production plan table.
func DefaultCatalog(opts ...Option) *Catalog {
	free := PlanConfig{
		Tier: TierFree,
		Name: "Free",
		Quotas: map[Feature]int64{
			FeatureSeedKeywords: 10000,
			FeatureMetaGen:      1000,
		},
		DailyCaps: map[Feature]int64{
			FeatureExpansions: 3,
			FeatureClustering: 1,
			FeatureAudits:     1,
		},
	}
	pro := PlanConfig{
		Tier:            TierPro,
		Name:            "Pro",
		MonthlyPriceUSD: 39,
		PriceID:         DefaultPriceProMonthly,
		Quotas: map[Feature]int64{
			FeatureSeedKeywords:  10000,
			FeatureExpansions:    100,
			FeatureClustering:    50,
			FeatureBriefs:        300,
			FeatureAudits:        50,
			FeatureMetaGen:       1000,
			FeatureAEO:           100,
			FeatureSearchVolume:  500,
			FeatureSERPSnapshots: 100,
		},
		BurstAllowances: map[Feature]int64{
			FeatureExpansions:    25,
			FeatureBriefs:        50,
			FeatureAudits:        10,
			FeatureSearchVolume:  100,
			FeatureSERPSnapshots: 20,
		},
	}
	enterprise := PlanConfig{
		Tier:            TierEnterprise,
		Name:            "Enterprise",
		MonthlyPriceUSD: 129,
		PriceID:         DefaultPriceEnterpriseMonthly,
		Quotas: map[Feature]int64{
			FeatureSeedKeywords:  10000,
			FeatureExpansions:    5000,
			FeatureClustering:    500,
			FeatureBriefs:        2000,
			FeatureAudits:        500,
			FeatureMetaGen:       10000,
			FeatureAEO:           1000,
			FeatureSearchVolume:  5000,
			FeatureSERPSnapshots: 1000,
			FeatureAIVisibility:  2,
			FeatureAISimulator:   100,
			FeaturePredictiveSEO: 200,
		},
		BurstAllowances: map[Feature]int64{
			FeatureExpansions:    500,
			FeatureBriefs:        400,
			FeatureAudits:        100,
			FeatureSearchVolume:  1000,
			FeatureSERPSnapshots: 200,
			FeatureAISimulator:   20,
			FeaturePredictiveSEO: 40,
		},
	}
	packs := []CreditPack{
		{Name: "10 Credits", Credits: 10, AmountCents: 100, PriceID: DefaultPriceCredits10},
		{Name: "50 Credits", Credits: 50, AmountCents: 475, PriceID: DefaultPriceCredits50},
		{Name: "100 Credits", Credits: 100, AmountCents: 900, PriceID: DefaultPriceCredits100},
	}
	costs := map[Feature]int64{
		FeatureExpansions:    3,
		FeatureClustering:    5,
		FeatureSERPSnapshots: 10,
		FeatureSearchVolume:  5,
		FeatureAudits:        50,
	}
	return NewCatalog([]PlanConfig{free, pro, enterprise}, packs, costs, opts...)
}

func (c *Catalog) plan(t Tier) PlanConfig {
	if p, ok := c.plans[t]; ok {
		return p
	}
	return c.plans[TierFree]
}

// QuotaFor returns the monthly quota of f on tier t. Unknown features and
// features absent from the tier return 0 (not available).
func (c *Catalog) QuotaFor(t Tier, f Feature) int64 {
	if !f.Valid() {
		return 0
	}
	return c.plan(t).Quotas[f]
}

// DailyCapFor returns the daily cap of f on tier t, if it has one.
func (c *Catalog) DailyCapFor(t Tier, f Feature) (int64, bool) {
	if !f.Valid() {
		return 0, false
	}
	n, ok := c.plan(t).DailyCaps[f]
	return n, ok
}

// BurstAllowanceFor returns the bonus capacity above the monthly quota, or 0.
func (c *Catalog) BurstAllowanceFor(t Tier, f Feature) int64 {
	if !f.Valid() || !t.Paid() {
		return 0
	}
	return c.plan(t).BurstAllowances[f]
}

// CreditCost returns the default credit price of one use of f.
func (c *Catalog) CreditCost(f Feature) int64 {
	return c.creditCosts[f]
}

// IsCreditMetered reports whether tier t charges f in prepaid credits.
func (c *Catalog) IsCreditMetered(t Tier, f Feature) bool {
	return c.plan(t).CreditMetered[f]
}

// QuotaSet returns the full monthly quota vector of a tier in ledger order.
func (c *Catalog) QuotaSet(t Tier) [NumFeatures]int64 {
	var out [NumFeatures]int64
	p := c.plan(t)
	for f, n := range p.Quotas {
		if f.Valid() {
			out[f] = n
		}
	}
	return out
}

// Plan returns the configuration of a tier.
func (c *Catalog) Plan(t Tier) (PlanConfig, bool) {
	p, ok := c.plans[t]
	return p, ok
}

// Plans returns all tiers ordered free → enterprise.
func (c *Catalog) Plans() []PlanConfig {
	out := make([]PlanConfig, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return tierRank(out[i].Tier) < tierRank(out[j].Tier) })
	return out
}

// TierForPrice resolves a subscription price id.
func (c *Catalog) TierForPrice(priceID string) (Tier, bool) {
	t, ok := c.priceTiers[priceID]
	return t, ok
}

// CreditsForPurchase maps a one-time purchase to a credit count, first by
// price id, then by the amount actually paid.
func (c *Catalog) CreditsForPurchase(priceID string, amountCents int64) (int64, bool) {
	if priceID != "" {
		for _, p := range c.packs {
			if p.PriceID == priceID {
				return p.Credits, true
			}
		}
	}
	for _, p := range c.packs {
		if p.AmountCents == amountCents {
			return p.Credits, true
		}
	}
	return 0, false
}

// CreditPacks lists purchasable credit packs.
func (c *Catalog) CreditPacks() []CreditPack {
	return append([]CreditPack(nil), c.packs...)
}

func tierRank(t Tier) int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierEnterprise:
		return 2
	}
	return 3
}

func copyInts(in map[Feature]int64) map[Feature]int64 {
	out := make(map[Feature]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBools(in map[Feature]bool) map[Feature]bool {
	out := make(map[Feature]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
