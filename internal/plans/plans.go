// Package plans holds the immutable plan catalog: per-tier monthly quotas,
// free-tier daily caps, paid-tier burst allowances, credit costs and the
// mapping from billing-provider prices to tiers and credit packs.
package plans

import "strings"

// Tier identifies the pricing tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a stored tier value to a Tier. Missing or unrecognised
// values resolve to TierFree, the most restrictive regime.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Next returns the tier above t. ok is false for the top tier.
func (t Tier) Next() (next Tier, ok bool) {
	switch t {
	case TierFree:
		return TierPro, true
	case TierPro:
		return TierEnterprise, true
	default:
		return "", false
	}
}

// Paid reports whether t is a subscription tier.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierEnterprise
}

// Feature is a billable action. The set is closed: every feature owns a
// fixed used/quota column pair in the usage ledger.
type Feature int

const (
	FeatureSeedKeywords Feature = iota
	FeatureExpansions
	FeatureClustering
	FeatureBriefs
	FeatureAudits
	FeatureMetaGen
	FeatureAEO
	FeatureSearchVolume
	FeatureSERPSnapshots
	FeatureAIVisibility
	FeatureAISimulator
	FeaturePredictiveSEO

	featureCount
)

// NumFeatures is the size of the closed feature set.
const NumFeatures = int(featureCount)

type featureDef struct {
	key    string
	column string
	label  string
}

var featureDefs = [NumFeatures]featureDef{
	FeatureSeedKeywords:  {"seedKeywords", "seed_keywords", "seed keywords"},
	FeatureExpansions:    {"expansions", "expansions", "keyword expansions"},
	FeatureClustering:    {"clustering", "clustering", "clustering runs"},
	FeatureBriefs:        {"briefs", "briefs", "content briefs"},
	FeatureAudits:        {"audits", "audits", "page audits"},
	FeatureMetaGen:       {"metaGen", "meta_gen", "meta generations"},
	FeatureAEO:           {"aeo", "aeo", "AEO optimizations"},
	FeatureSearchVolume:  {"searchVolume", "search_volume", "search volume lookups"},
	FeatureSERPSnapshots: {"serpSnapshots", "serp_snapshots", "SERP snapshots"},
	FeatureAIVisibility:  {"aiVisibility", "ai_visibility_scans", "AI visibility scans"},
	FeatureAISimulator:   {"aiSimulator", "ai_simulator", "AI simulator runs"},
	FeaturePredictiveSEO: {"predictiveSeo", "predictive_seo", "predictive SEO forecasts"},
}

var featuresByKey = func() map[string]Feature {
	m := make(map[string]Feature, NumFeatures)
	for i, d := range featureDefs {
		m[d.key] = Feature(i)
	}
	return m
}()

// FeatureUnknown is returned by ParseFeature for keys outside the set.
const FeatureUnknown Feature = -1

// ParseFeature resolves a feature key such as "expansions".
func ParseFeature(key string) (Feature, bool) {
	f, ok := featuresByKey[key]
	if !ok {
		return FeatureUnknown, false
	}
	return f, true
}

// Valid reports whether f belongs to the feature set.
func (f Feature) Valid() bool {
	return f >= 0 && f < featureCount
}

// Key returns the wire identifier of the feature.
func (f Feature) Key() string {
	if !f.Valid() {
		return "unknown"
	}
	return featureDefs[f].key
}

func (f Feature) String() string { return f.Key() }

// Column returns the column stem used by the SQL ledger ("<stem>_used",
// "<stem>_quota"). Only defined for valid features.
func (f Feature) Column() string {
	return featureDefs[f].column
}

// Label is the human readable plural used in prompts.
func (f Feature) Label() string {
	if !f.Valid() {
		return "this feature"
	}
	return featureDefs[f].label
}

// Features lists every feature in ledger order.
func Features() []Feature {
	out := make([]Feature, NumFeatures)
	for i := range out {
		out[i] = Feature(i)
	}
	return out
}
