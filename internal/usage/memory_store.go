package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shijo-seo/shijo/internal/plans"
)

type dailyKey struct {
	userID  string
	feature plans.Feature
	day     string
}

// MemoryStore is an in-memory ledger for development and tests. A single
// mutex makes every operation atomic, matching the guarantees of the SQL store.
type MemoryStore struct {
	mu        sync.RWMutex
	quotas    map[string]*QuotaRecord
	daily     map[dailyKey]int64
	bursts    map[string]*BurstRecord
	credits   []*CreditEntry
	paidRefs  map[string]bool
	resetRefs map[string]string // ref → userID
	customers map[string]string // customerRef → userID
	userCusts map[string]string // userID → customerRef
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas:    make(map[string]*QuotaRecord),
		daily:     make(map[dailyKey]int64),
		bursts:    make(map[string]*BurstRecord),
		paidRefs:  make(map[string]bool),
		resetRefs: make(map[string]string),
		customers: make(map[string]string),
		userCusts: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryStore) GetQuota(_ context.Context, userID string) (*QuotaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.quotas[userID]
	if !ok {
		return nil, ErrNotProvisioned
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) SaveQuota(_ context.Context, rec *QuotaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.quotas[rec.UserID]
	if ok && !rec.LastEventAt.IsZero() && rec.LastEventAt.Before(cur.LastEventAt) {
		return nil
	}
	if !ok {
		cur = &QuotaRecord{UserID: rec.UserID}
		m.quotas[rec.UserID] = cur
	}
	if rec.LastEventAt.After(cur.LastEventAt) {
		cur.LastEventAt = rec.LastEventAt
	}
	cur.Tier = rec.Tier
	cur.SubscriptionID = rec.SubscriptionID
	cur.SubscriptionStatus = rec.SubscriptionStatus
	cur.BillingCycleStart = rec.BillingCycleStart
	cur.BillingCycleEnd = rec.BillingCycleEnd
	for i := range cur.Counters {
		cur.Counters[i].Quota = rec.Counters[i].Quota
	}
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ResetCycle(_ context.Context, userID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.quotas[userID]
	if !ok {
		return ErrNotProvisioned
	}
	if ref != "" {
		if _, seen := m.resetRefs[ref]; seen {
			return ErrDuplicateReset
		}
		m.resetRefs[ref] = userID
	}
	for i := range rec.Counters {
		rec.Counters[i].Used = 0
	}
	rec.UpdatedAt = m.now()
	if b, ok := m.bursts[userID]; ok {
		b.BurstUsedThisMonth = 0
		b.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) IncrementUsed(_ context.Context, userID string, f plans.Feature, delta int64) (Counter, error) {
	if !f.Valid() {
		return Counter{}, ErrUnknownFeature
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.quotas[userID]
	if !ok {
		return Counter{}, ErrNotProvisioned
	}
	rec.Counters[f].Used += delta
	rec.UpdatedAt = m.now()
	return rec.Counters[f], nil
}

func (m *MemoryStore) AdjustCredits(_ context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.quotas[userID]
	if !ok {
		return 0, ErrNotProvisioned
	}
	rec.CreditsBalance += delta
	rec.UpdatedAt = m.now()
	return rec.CreditsBalance, nil
}

func (m *MemoryStore) ListQuotas(_ context.Context, afterUserID string, limit int) ([]*QuotaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.quotas))
	for id := range m.quotas {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*QuotaRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.quotas[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetDaily(_ context.Context, userID string, f plans.Feature, day string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.daily[dailyKey{userID, f, day}], nil
}

func (m *MemoryStore) IncrementDaily(_ context.Context, userID string, f plans.Feature, day string) (int64, error) {
	if !f.Valid() {
		return 0, ErrUnknownFeature
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := dailyKey{userID, f, day}
	m.daily[k]++
	return m.daily[k], nil
}

func (m *MemoryStore) PruneDaily(_ context.Context, before string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.daily {
		if k.day < before {
			delete(m.daily, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetBurst(_ context.Context, userID string) (*BurstRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.bursts[userID]
	if !ok {
		return nil, ErrBurstNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) SaveBurst(_ context.Context, rec *BurstRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cur, ok := m.bursts[rec.UserID]; ok {
		cp.BurstUsedThisMonth = cur.BurstUsedThisMonth
		cp.LastBurstGranted = cur.LastBurstGranted
	}
	cp.UpdatedAt = m.now()
	m.bursts[rec.UserID] = &cp
	return nil
}

func (m *MemoryStore) AddBurstUsed(_ context.Context, userID string, delta int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bursts[userID]
	if !ok {
		return ErrBurstNotFound
	}
	rec.BurstUsedThisMonth += delta
	granted := at
	rec.LastBurstGranted = &granted
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) TopUp(_ context.Context, entry *CreditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paidRefs[entry.PaymentRef] {
		return 0, ErrDuplicateTopUp
	}
	rec, ok := m.quotas[entry.UserID]
	if !ok {
		return 0, ErrNotProvisioned
	}
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.credits = append(m.credits, &cp)
	m.paidRefs[entry.PaymentRef] = true
	rec.CreditsBalance += entry.Amount
	rec.UpdatedAt = m.now()
	return rec.CreditsBalance, nil
}

func (m *MemoryStore) CreditHistory(_ context.Context, userID string, cursor *Cursor, limit int) ([]*CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CreditEntry
	for _, e := range m.credits {
		if e.UserID == userID && cursor.before(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LinkCustomer(_ context.Context, userID, customerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.userCusts[userID]; ok {
		delete(m.customers, old)
	}
	if customerRef == "" {
		delete(m.userCusts, userID)
		return nil
	}
	m.customers[customerRef] = userID
	m.userCusts[userID] = customerRef
	return nil
}

func (m *MemoryStore) UserForCustomer(_ context.Context, customerRef string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.customers[customerRef]
	if !ok {
		return "", ErrCustomerNotFound
	}
	return id, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.quotas, userID)
	delete(m.bursts, userID)
	for k := range m.daily {
		if k.userID == userID {
			delete(m.daily, k)
		}
	}
	kept := m.credits[:0]
	for _, e := range m.credits {
		if e.UserID != userID {
			kept = append(kept, e)
			continue
		}
		delete(m.paidRefs, e.PaymentRef)
	}
	m.credits = kept
	for ref, owner := range m.resetRefs {
		if owner == userID {
			delete(m.resetRefs, ref)
		}
	}
	if ref, ok := m.userCusts[userID]; ok {
		delete(m.customers, ref)
		delete(m.userCusts, userID)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
