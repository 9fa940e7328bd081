// Package reconciliation reads the usage ledger after the fact and reports
// states the hot path tolerates but never corrects: negative credit
// balances and monthly counters beyond quota plus burst. It also enforces
// retention on free-tier daily counters.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/metrics"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

// Anomaly kinds.
const (
	KindNegativeCredits = "negative_credits"
	KindOvershoot       = "quota_overshoot"
)

const (
	defaultPageSize      = 500
	defaultRetentionDays = 30
	// maxReportedAnomalies bounds the list kept in a Report; counts are exact.
	maxReportedAnomalies = 100
)

// Ledger is the subset of the usage store reconciliation reads.
type Ledger interface {
	ListQuotas(ctx context.Context, afterUserID string, limit int) ([]*usage.QuotaRecord, error)
	PruneDaily(ctx context.Context, before string) (int64, error)
}

// Anomaly is one inconsistent ledger state.
type Anomaly struct {
	UserID  string `json:"userId"`
	Kind    string `json:"kind"`
	Feature string `json:"feature,omitempty"`
	Value   int64  `json:"value"`
	Limit   int64  `json:"limit"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
	UsersScanned    int       `json:"usersScanned"`
	NegativeCredits int       `json:"negativeCredits"`
	Overshoots      int       `json:"overshoots"`
	Anomalies       []Anomaly `json:"anomalies"`
	Truncated       bool      `json:"truncated"`
	PrunedBefore    string    `json:"prunedBefore"`
	DailyPruned     int64     `json:"dailyPruned"`
}

// Service runs reconciliation passes.
type Service struct {
	ledger        Ledger
	catalog       *plans.Catalog
	retentionDays int
	pageSize      int
	now           func() time.Time

	mu   sync.Mutex
	last *Report
}

// Option configures a Service.
type Option func(*Service)

// WithRetentionDays sets how many past days of daily counters are kept.
func WithRetentionDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithPageSize sets the ListQuotas page size.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reconciliation service.
func NewService(ledger Ledger, catalog *plans.Catalog, opts ...Option) *Service {
	s := &Service{
		ledger:        ledger,
		catalog:       catalog,
		retentionDays: defaultRetentionDays,
		pageSize:      defaultPageSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every quota record, then prunes daily counters older than the
// retention window. Nothing found is corrected.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	rep := &Report{StartedAt: start}

	after := ""
	for {
		page, err := s.ledger.ListQuotas(ctx, after, s.pageSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list quota records: %w", err)
		}
		for _, rec := range page {
			s.check(rec, rep)
		}
		rep.UsersScanned += len(page)
		if len(page) < s.pageSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	rep.PrunedBefore = usage.Day(start.AddDate(0, 0, -s.retentionDays))
	pruned, err := s.ledger.PruneDaily(ctx, rep.PrunedBefore)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to prune daily usage: %w", err)
	}
	rep.DailyPruned = pruned
	rep.FinishedAt = s.now()

	metrics.DailyRecordsPrunedTotal.Add(float64(pruned))
	metrics.ReconciliationAnomalies.WithLabelValues(KindNegativeCredits).Set(float64(rep.NegativeCredits))
	metrics.ReconciliationAnomalies.WithLabelValues(KindOvershoot).Set(float64(rep.Overshoots))
	metrics.ReconciliationLastRun.Set(float64(rep.FinishedAt.Unix()))
	reconcileUsersScanned.Set(float64(rep.UsersScanned))
	reconcileDuration.Observe(rep.FinishedAt.Sub(start).Seconds())

	for _, a := range rep.Anomalies {
		logging.Anomaly(logging.WithUserID(ctx, a.UserID), a.Kind, "reconciliation found inconsistent ledger state",
			"feature", a.Feature, "value", a.Value, "limit", a.Limit)
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Service) check(rec *usage.QuotaRecord, rep *Report) {
	if rec.CreditsBalance < 0 {
		rep.NegativeCredits++
		s.report(rep, Anomaly{UserID: rec.UserID, Kind: KindNegativeCredits, Value: rec.CreditsBalance})
	}

	tier := plans.ParseTier(string(rec.Tier))
	for _, f := range plans.Features() {
		c := rec.Counter(f)
		// A zero quota with usage is the credit-metered path, not a breach.
		if c.Quota <= 0 {
			continue
		}
		limit := c.Quota + s.catalog.BurstAllowanceFor(tier, f)
		if c.Used > limit {
			rep.Overshoots++
			s.report(rep, Anomaly{UserID: rec.UserID, Kind: KindOvershoot, Feature: f.Key(), Value: c.Used, Limit: limit})
		}
	}
}

func (s *Service) report(rep *Report, a Anomaly) {
	if len(rep.Anomalies) >= maxReportedAnomalies {
		rep.Truncated = true
		return
	}
	rep.Anomalies = append(rep.Anomalies, a)
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
