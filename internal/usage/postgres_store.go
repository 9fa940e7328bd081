package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/retry"
)

// Column lists derive from the closed feature table so a feature can only
// ever touch its own used/quota pair.
var (
	quotaSelectColumns = buildSelectColumns()
	quotaUpsertSQL     = buildUpsertSQL()
	resetUsedSQL       = buildResetSQL()
)

func buildSelectColumns() string {
	cols := []string{"user_id", "plan_tier", "subscription_id", "subscription_status",
		"billing_cycle_start", "billing_cycle_end", "last_event_at"}
	for _, f := range plans.Features() {
		cols = append(cols, f.Column()+"_used", f.Column()+"_quota")
	}
	cols = append(cols, "credits_balance", "updated_at")
	return strings.Join(cols, ", ")
}

// buildUpsertSQL skips the update when the incoming last_event_at is older
// than the stored one, so a late billing event cannot undo a newer one even
// when two deliveries race.
func buildUpsertSQL() string {
	cols := []string{"user_id", "plan_tier", "subscription_id", "subscription_status",
		"billing_cycle_start", "billing_cycle_end", "last_event_at"}
	for _, f := range plans.Features() {
		cols = append(cols, f.Column()+"_quota")
	}
	params := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
		switch c {
		case "user_id":
		case "last_event_at":
			updates = append(updates, "last_event_at = GREATEST(user_quotas.last_event_at, EXCLUDED.last_event_at)")
		default:
			updates = append(updates, c+" = EXCLUDED."+c)
		}
	}
	updates = append(updates, "updated_at = NOW()")
	return "INSERT INTO user_quotas (" + strings.Join(cols, ", ") + ", updated_at) VALUES (" +
		strings.Join(params, ", ") + ", NOW()) ON CONFLICT (user_id) DO UPDATE SET " +
		strings.Join(updates, ", ") +
		" WHERE EXCLUDED.last_event_at IS NULL OR user_quotas.last_event_at IS NULL" +
		" OR EXCLUDED.last_event_at >= user_quotas.last_event_at"
}

func buildResetSQL() string {
	sets := make([]string, 0, plans.NumFeatures+1)
	for _, f := range plans.Features() {
		sets = append(sets, f.Column()+"_used = 0")
	}
	sets = append(sets, "updated_at = NOW()")
	return "UPDATE user_quotas SET " + strings.Join(sets, ", ") + " WHERE user_id = $1"
}

// coalesce is the single zero-default policy for nullable ledger columns.
func coalesce(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

// PostgresStore persists the ledger in PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db     *sql.DB
	policy retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		policy: retry.Policy{
			Attempts:  5,
			BaseDelay: 20 * time.Millisecond,
			Retryable: isSerializationFailure,
		},
	}
}

// isSerializationFailure matches SQLSTATE 40001 and 40P01.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(row rowScanner) (*QuotaRecord, error) {
	var (
		rec         QuotaRecord
		tier        sql.NullString
		subID       sql.NullString
		status      sql.NullString
		cycleStart  sql.NullTime
		cycleEnd    sql.NullTime
		lastEventAt sql.NullTime
		credits     sql.NullInt64
		used, quota [plans.NumFeatures]sql.NullInt64
		updatedAt   sql.NullTime
		dest        = []any{&rec.UserID, &tier, &subID, &status, &cycleStart, &cycleEnd, &lastEventAt}
	)
	for i := range used {
		dest = append(dest, &used[i], &quota[i])
	}
	dest = append(dest, &credits, &updatedAt)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotProvisioned
		}
		return nil, err
	}

	rec.Tier = plans.ParseTier(tier.String)
	rec.SubscriptionID = subID.String
	rec.SubscriptionStatus = StatusNone
	if status.Valid && status.String != "" {
		rec.SubscriptionStatus = SubscriptionStatus(status.String)
	}
	rec.BillingCycleStart = cycleStart.Time
	rec.BillingCycleEnd = cycleEnd.Time
	rec.LastEventAt = lastEventAt.Time
	for i := range used {
		rec.Counters[i] = Counter{Used: coalesce(used[i]), Quota: coalesce(quota[i])}
	}
	rec.CreditsBalance = coalesce(credits)
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}

func (p *PostgresStore) GetQuota(ctx context.Context, userID string) (*QuotaRecord, error) {
	return scanQuota(p.db.QueryRowContext(ctx,
		"SELECT "+quotaSelectColumns+" FROM user_quotas WHERE user_id = $1", userID))
}

func (p *PostgresStore) SaveQuota(ctx context.Context, rec *QuotaRecord) error {
	args := []any{rec.UserID, string(rec.Tier), nullString(rec.SubscriptionID),
		string(rec.SubscriptionStatus), nullTime(rec.BillingCycleStart), nullTime(rec.BillingCycleEnd),
		nullTime(rec.LastEventAt)}
	for _, c := range rec.Counters {
		args = append(args, c.Quota)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, rec.UserID); err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, quotaUpsertSQL, args...); err != nil {
		return fmt.Errorf("failed to upsert quota record: %w", err)
	}
	return tx.Commit()
}

// ResetCycle claims ref in cycle_resets and zeroes the counters in the same
// transaction, so a redelivered invoice cannot wipe usage a second time.
func (p *PostgresStore) ResetCycle(ctx context.Context, userID, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if ref != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_resets (reset_ref, user_id, applied_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (reset_ref) DO NOTHING`, ref, userID)
		if err != nil {
			return fmt.Errorf("failed to record cycle reset: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicateReset
		}
	}

	res, err := tx.ExecContext(ctx, resetUsedSQL, userID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProvisioned
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE burst_allowances SET burst_used_this_month = 0, updated_at = NOW()
		WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to reset burst usage: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) IncrementUsed(ctx context.Context, userID string, f plans.Feature, delta int64) (Counter, error) {
	if !f.Valid() {
		return Counter{}, ErrUnknownFeature
	}
	col := f.Column()
	var c Counter
	err := p.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET `+col+`_used = COALESCE(`+col+`_used, 0) + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING COALESCE(`+col+`_used, 0), COALESCE(`+col+`_quota, 0)`,
		userID, delta).Scan(&c.Used, &c.Quota)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, ErrNotProvisioned
	}
	return c, err
}

func (p *PostgresStore) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET credits_balance = COALESCE(credits_balance, 0) + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING credits_balance`, userID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotProvisioned
	}
	return balance, err
}

func (p *PostgresStore) ListQuotas(ctx context.Context, afterUserID string, limit int) ([]*QuotaRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+quotaSelectColumns+" FROM user_quotas WHERE user_id > $1 ORDER BY user_id LIMIT $2",
		afterUserID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*QuotaRecord
	for rows.Next() {
		rec, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	var count sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT usage_count FROM daily_usage
		WHERE user_id = $1 AND feature = $2 AND day = $3::date`,
		userID, f.Key(), day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return coalesce(count), err
}

func (p *PostgresStore) IncrementDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	if !f.Valid() {
		return 0, ErrUnknownFeature
	}
	var count int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO daily_usage (user_id, feature, day, usage_count)
		VALUES ($1, $2, $3::date, 1)
		ON CONFLICT (user_id, feature, day) DO UPDATE
			SET usage_count = daily_usage.usage_count + 1
		RETURNING usage_count`,
		userID, f.Key(), day).Scan(&count)
	return count, err
}

func (p *PostgresStore) PruneDaily(ctx context.Context, before string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE day < $1::date`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) GetBurst(ctx context.Context, userID string) (*BurstRecord, error) {
	var (
		rec     = BurstRecord{UserID: userID}
		tenure  sql.NullInt64
		health  sql.NullBool
		avg     sql.NullFloat64
		elig    sql.NullBool
		granted sql.NullTime
		used    sql.NullInt64
		updated sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT tenure_days, payment_health, avg_usage_percent, burst_eligible,
		       last_burst_granted, burst_used_this_month, updated_at
		FROM burst_allowances WHERE user_id = $1`, userID).
		Scan(&tenure, &health, &avg, &elig, &granted, &used, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBurstNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.TenureDays = int(coalesce(tenure))
	rec.PaymentHealth = health.Valid && health.Bool
	rec.AvgUsagePercent = avg.Float64
	rec.BurstEligible = elig.Valid && elig.Bool
	if granted.Valid {
		t := granted.Time
		rec.LastBurstGranted = &t
	}
	rec.BurstUsedThisMonth = coalesce(used)
	rec.UpdatedAt = updated.Time
	return &rec, nil
}

func (p *PostgresStore) SaveBurst(ctx context.Context, rec *BurstRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO burst_allowances (user_id, tenure_days, payment_health, avg_usage_percent, burst_eligible, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tenure_days       = EXCLUDED.tenure_days,
			payment_health    = EXCLUDED.payment_health,
			avg_usage_percent = EXCLUDED.avg_usage_percent,
			burst_eligible    = EXCLUDED.burst_eligible,
			updated_at        = NOW()`,
		rec.UserID, rec.TenureDays, rec.PaymentHealth, rec.AvgUsagePercent, rec.BurstEligible)
	return err
}

func (p *PostgresStore) AddBurstUsed(ctx context.Context, userID string, delta int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE burst_allowances SET
			burst_used_this_month = COALESCE(burst_used_this_month, 0) + $2,
			last_burst_granted    = $3,
			updated_at            = NOW()
		WHERE user_id = $1`, userID, delta, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBurstNotFound
	}
	return nil
}

// TopUp runs at serializable isolation and retries serialization failures.
func (p *PostgresStore) TopUp(ctx context.Context, entry *CreditEntry) (int64, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var balance int64
	err := retry.Do(ctx, p.policy, func() error {
		b, err := p.topUpOnce(ctx, entry)
		if err != nil {
			if errors.Is(err, ErrDuplicateTopUp) || errors.Is(err, ErrNotProvisioned) {
				return retry.Permanent(err)
			}
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

func (p *PostgresStore) topUpOnce(ctx context.Context, entry *CreditEntry) (int64, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, amount, payment_ref, event_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_ref) DO NOTHING`,
		entry.ID, entry.UserID, entry.Amount, entry.PaymentRef,
		nullString(entry.EventID), nullString(entry.Description), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateTopUp
		}
		return 0, fmt.Errorf("failed to record credit entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrDuplicateTopUp
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE user_quotas SET credits_balance = COALESCE(credits_balance, 0) + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING credits_balance`, entry.UserID, entry.Amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotProvisioned
	}
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}
	return balance, tx.Commit()
}

func (p *PostgresStore) CreditHistory(ctx context.Context, userID string, cursor *Cursor, limit int) ([]*CreditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, payment_ref, event_id, description, created_at
			FROM credit_ledger WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, payment_ref, event_id, description, created_at
			FROM credit_ledger WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CreditEntry
	for rows.Next() {
		var (
			e           CreditEntry
			eventID     sql.NullString
			description sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.PaymentRef, &eventID, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventID = eventID.String
		e.Description = description.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LinkCustomer(ctx context.Context, userID, customerRef string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, stripe_customer_id) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (id) DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id`,
		userID, customerRef)
	return err
}

func (p *PostgresStore) UserForCustomer(ctx context.Context, customerRef string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE stripe_customer_id = $1`, customerRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	return id, err
}

// DeleteUser relies on ON DELETE CASCADE from users to every ledger table.
func (p *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
