package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "slotwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// casStatus is the shared claim primitive: update status only if it still
// holds the expected value. Zero rows affected means another worker won.
func (s *sqliteStore) casStatus(ctx context.Context, table string, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, updated_ms = ? WHERE id = ? AND status = ?`,
		to, time.Now().UnixMilli(), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- Preferences ----

func (s *sqliteStore) GetPreferences(ctx context.Context, userID int64) (Preferences, bool, error) {
	var (
		p          Preferences
		qs, qe     sql.NullInt64
		cooldownMS int64
		lastMS     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, slot_alert, weekly_digest, expiry_reminder, inactivity_nudge,
		        quiet_start, quiet_end, cooldown_ms, last_notified_ms
		   FROM preferences WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.SlotAlert, &p.WeeklyDigest, &p.ExpiryReminder, &p.InactivityNudge,
		&qs, &qe, &cooldownMS, &lastMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, false, nil
	}
	if err != nil {
		return Preferences{}, false, err
	}
	if qs.Valid {
		v := int(qs.Int64)
		p.QuietStart = &v
	}
	if qe.Valid {
		v := int(qe.Int64)
		p.QuietEnd = &v
	}
	p.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	p.LastNotifiedAt = timeOf(lastMS)
	return p, true, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p Preferences) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, slot_alert, weekly_digest, expiry_reminder, inactivity_nudge,
		                         quiet_start, quiet_end, cooldown_ms, last_notified_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   slot_alert=excluded.slot_alert, weekly_digest=excluded.weekly_digest,
		   expiry_reminder=excluded.expiry_reminder, inactivity_nudge=excluded.inactivity_nudge,
		   quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   cooldown_ms=excluded.cooldown_ms, last_notified_ms=excluded.last_notified_ms`,
		p.UserID, p.SlotAlert, p.WeeklyDigest, p.ExpiryReminder, p.InactivityNudge,
		nullInt(p.QuietStart), nullInt(p.QuietEnd), p.Cooldown.Milliseconds(), msOf(p.LastNotifiedAt),
	)
	return err
}

func (s *sqliteStore) TouchLastNotified(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE preferences SET last_notified_ms = ? WHERE user_id = ?`,
		msOf(at), userID,
	)
	return err
}

// ---- Subscriptions ----

func (s *sqliteStore) GetSubscription(ctx context.Context, id int64) (Subscription, bool, error) {
	var (
		sub         Subscription
		createdMS   int64
		completedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, chat_id, method, date_from, date_to, active, created_ms, completed_ms
		   FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.UserID, &sub.ChatID, &sub.Method, &sub.DateFrom, &sub.DateTo,
		&sub.Active, &createdMS, &completedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	sub.CreatedAt = timeOf(createdMS)
	sub.CompletedAt = timeOf(completedMS)
	return sub, true, nil
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub *Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if sub.DateTo == "" {
		sub.DateTo = sub.DateFrom
	}
	if sub.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO subscriptions(user_id, chat_id, method, date_from, date_to, active, created_ms, completed_ms)
			 VALUES(?,?,?,?,?,?,?,?)`,
			sub.UserID, sub.ChatID, string(sub.Method), sub.DateFrom, sub.DateTo,
			sub.Active, msOf(sub.CreatedAt), msOf(sub.CompletedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sub.ID = id
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET user_id=?, chat_id=?, method=?, date_from=?, date_to=?, active=?, completed_ms=?
		  WHERE id=?`,
		sub.UserID, sub.ChatID, string(sub.Method), sub.DateFrom, sub.DateTo,
		sub.Active, msOf(sub.CompletedAt), sub.ID,
	)
	return err
}

func (s *sqliteStore) DeactivateSubscriptionsBefore(ctx context.Context, date string, completedAt time.Time) (int64, error) {
	// ISO dates compare correctly as strings.
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = 0, completed_ms = ? WHERE active = 1 AND date_to < ?`,
		msOf(completedAt), date,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Primary queue ----

func (s *sqliteStore) PutQueueEntry(ctx context.Context, e *QueueEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO queue(subscription_id, user_id, date, times, status, last_error, created_ms, updated_ms)
			 VALUES(?,?,?,?,?,?,?,?)`,
			e.SubscriptionID, e.UserID, e.Date, strings.Join(e.Times, ","),
			string(e.Status), nullStr(e.LastError), msOf(e.CreatedAt), msOf(e.UpdatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET subscription_id=?, user_id=?, date=?, times=?, status=?, last_error=?, updated_ms=?
		  WHERE id=?`,
		e.SubscriptionID, e.UserID, e.Date, strings.Join(e.Times, ","),
		string(e.Status), nullStr(e.LastError), msOf(e.UpdatedAt), e.ID,
	)
	return err
}

func (s *sqliteStore) GetQueueEntry(ctx context.Context, id int64) (QueueEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, user_id, date, times, status, last_error, created_ms, updated_ms
		   FROM queue WHERE id = ?`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, false, nil
	}
	if err != nil {
		return QueueEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) PendingQueueEntries(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, user_id, date, times, status, last_error, created_ms, updated_ms
		   FROM queue WHERE status = ? ORDER BY created_ms ASC, id ASC LIMIT ?`,
		string(QueuePending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimQueueEntry(ctx context.Context, id int64) (bool, error) {
	return s.casStatus(ctx, "queue", id, string(QueuePending), string(QueueProcessing))
}

func (s *sqliteStore) SetQueueStatus(ctx context.Context, id int64, st QueueStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, last_error = ?, updated_ms = ? WHERE id = ?`,
		string(st), nullStr(lastError), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) ResetFailedQueueEntries(ctx context.Context, since time.Time) (int64, error) {
	// Entries that already spawned a push retry belong to the retry queue.
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, last_error = NULL, updated_ms = ?
		  WHERE status = ? AND created_ms >= ?
		    AND NOT EXISTS (SELECT 1 FROM retries r WHERE r.original_queue_id = queue.id)`,
		string(QueuePending), time.Now().UnixMilli(), string(QueueFailed), msOf(since),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeQueueEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE status IN (?,?,?) AND created_ms < ?`,
		string(QueueSent), string(QueueSkipped), string(QueueFailed), msOf(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Notified records ----

func (s *sqliteStore) WasNotified(ctx context.Context, subscriptionID int64, date, timesKey string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notified
		  WHERE subscription_id = ? AND date = ? AND times_key = ? AND sent_ms >= ?
		  LIMIT 1`,
		subscriptionID, date, timesKey, msOf(since),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) AddNotified(ctx context.Context, r NotifiedRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notified(subscription_id, date, times_key, sent_ms) VALUES(?,?,?,?)`,
		r.SubscriptionID, r.Date, r.TimesKey, msOf(r.SentAt),
	)
	return err
}

// ---- Push retry queue ----

func (s *sqliteStore) PutRetry(ctx context.Context, e *RetryEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = RetryPending
	}
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO retries(target_id, user_id, original_queue_id, payload, retry_count, max_retries,
			                     next_retry_ms, last_error, status, created_ms, updated_ms)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			e.TargetID, e.UserID, e.OriginalQueueID, e.Payload, e.RetryCount, e.MaxRetries,
			msOf(e.NextRetryAt), nullStr(e.LastError), string(e.Status), msOf(e.CreatedAt), msOf(e.UpdatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	}
	return s.UpdateRetry(ctx, *e)
}

func (s *sqliteStore) GetRetry(ctx context.Context, id int64) (RetryEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target_id, user_id, original_queue_id, payload, retry_count, max_retries,
		        next_retry_ms, last_error, status, created_ms, updated_ms
		   FROM retries WHERE id = ?`, id)
	e, err := scanRetryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryEntry{}, false, nil
	}
	if err != nil {
		return RetryEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) DueRetries(ctx context.Context, limit int, now time.Time) ([]RetryWithTarget, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.target_id, r.user_id, r.original_queue_id, r.payload, r.retry_count, r.max_retries,
		        r.next_retry_ms, r.last_error, r.status, r.created_ms, r.updated_ms,
		        t.id, t.user_id, t.endpoint, t.active, t.consecutive_failures,
		        t.last_delivery_status, t.last_failure_reason, t.last_used_ms, t.created_ms
		   FROM retries r
		   JOIN targets t ON t.id = r.target_id
		  WHERE r.status = ? AND r.next_retry_ms <= ? AND t.active = 1
		  ORDER BY r.next_retry_ms ASC, r.id ASC LIMIT ?`,
		string(RetryPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryWithTarget
	for rows.Next() {
		var (
			rt         RetryWithTarget
			nextMS     int64
			rCreated   int64
			rUpdated   int64
			rLastErr   sql.NullString
			tReason    sql.NullString
			tLastUsed  int64
			tCreatedMS int64
		)
		if err := rows.Scan(
			&rt.Retry.ID, &rt.Retry.TargetID, &rt.Retry.UserID, &rt.Retry.OriginalQueueID,
			&rt.Retry.Payload, &rt.Retry.RetryCount, &rt.Retry.MaxRetries,
			&nextMS, &rLastErr, &rt.Retry.Status, &rCreated, &rUpdated,
			&rt.Target.ID, &rt.Target.UserID, &rt.Target.Endpoint, &rt.Target.Active,
			&rt.Target.ConsecutiveFailures, &rt.Target.LastDeliveryStatus, &tReason,
			&tLastUsed, &tCreatedMS,
		); err != nil {
			return nil, err
		}
		rt.Retry.NextRetryAt = timeOf(nextMS)
		rt.Retry.CreatedAt = timeOf(rCreated)
		rt.Retry.UpdatedAt = timeOf(rUpdated)
		rt.Retry.LastError = rLastErr.String
		rt.Target.LastFailureReason = tReason.String
		rt.Target.LastUsedAt = timeOf(tLastUsed)
		rt.Target.CreatedAt = timeOf(tCreatedMS)
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimRetry(ctx context.Context, id int64) (bool, error) {
	return s.casStatus(ctx, "retries", id, string(RetryPending), string(RetryProcessing))
}

func (s *sqliteStore) UpdateRetry(ctx context.Context, e RetryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retries SET retry_count=?, next_retry_ms=?, last_error=?, status=?, updated_ms=?
		  WHERE id=?`,
		e.RetryCount, msOf(e.NextRetryAt), nullStr(e.LastError), string(e.Status),
		time.Now().UnixMilli(), e.ID,
	)
	return err
}

func (s *sqliteStore) CancelPendingRetries(ctx context.Context, targetID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retries SET status = ?, updated_ms = ? WHERE target_id = ? AND status = ?`,
		string(RetryCancelled), time.Now().UnixMilli(), targetID, string(RetryPending),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeRetries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retries WHERE status IN (?,?,?) AND created_ms < ?`,
		string(RetrySuccess), string(RetryFailed), string(RetryCancelled), msOf(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Delivery targets ----

func (s *sqliteStore) GetTarget(ctx context.Context, id int64) (DeliveryTarget, bool, error) {
	var (
		t         DeliveryTarget
		reason    sql.NullString
		lastUsed  int64
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, endpoint, active, consecutive_failures, last_delivery_status,
		        last_failure_reason, last_used_ms, created_ms
		   FROM targets WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Endpoint, &t.Active, &t.ConsecutiveFailures,
		&t.LastDeliveryStatus, &reason, &lastUsed, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryTarget{}, false, nil
	}
	if err != nil {
		return DeliveryTarget{}, false, err
	}
	t.LastFailureReason = reason.String
	t.LastUsedAt = timeOf(lastUsed)
	t.CreatedAt = timeOf(createdMS)
	return t, true, nil
}

func (s *sqliteStore) ActiveTargets(ctx context.Context, userID int64) ([]DeliveryTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, active, consecutive_failures, last_delivery_status,
		        last_failure_reason, last_used_ms, created_ms
		   FROM targets WHERE user_id = ? AND active = 1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryTarget
	for rows.Next() {
		var (
			t         DeliveryTarget
			reason    sql.NullString
			lastUsed  int64
			createdMS int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Endpoint, &t.Active, &t.ConsecutiveFailures,
			&t.LastDeliveryStatus, &reason, &lastUsed, &createdMS); err != nil {
			return nil, err
		}
		t.LastFailureReason = reason.String
		t.LastUsedAt = timeOf(lastUsed)
		t.CreatedAt = timeOf(createdMS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTarget(ctx context.Context, t *DeliveryTarget) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO targets(user_id, endpoint, active, consecutive_failures, last_delivery_status,
			                     last_failure_reason, last_used_ms, created_ms)
			 VALUES(?,?,?,?,?,?,?,?)`,
			t.UserID, t.Endpoint, t.Active, t.ConsecutiveFailures, t.LastDeliveryStatus,
			nullStr(t.LastFailureReason), msOf(t.LastUsedAt), msOf(t.CreatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t.ID = id
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET user_id=?, endpoint=?, active=?, consecutive_failures=?,
		        last_delivery_status=?, last_failure_reason=?, last_used_ms=?
		  WHERE id=?`,
		t.UserID, t.Endpoint, t.Active, t.ConsecutiveFailures, t.LastDeliveryStatus,
		nullStr(t.LastFailureReason), msOf(t.LastUsedAt), t.ID,
	)
	return err
}

func (s *sqliteStore) UpdateTargetHealth(ctx context.Context, id int64, h TargetHealth) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET active=?, consecutive_failures=?, last_delivery_status=?,
		        last_failure_reason=?, last_used_ms=?
		  WHERE id=?`,
		h.Active, h.ConsecutiveFailures, h.LastDeliveryStatus,
		nullStr(h.LastFailureReason), msOf(h.LastUsedAt), id,
	)
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(r rowScanner) (QueueEntry, error) {
	var (
		e         QueueEntry
		times     string
		lastErr   sql.NullString
		createdMS int64
		updatedMS int64
	)
	if err := r.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.Date, &times,
		&e.Status, &lastErr, &createdMS, &updatedMS); err != nil {
		return QueueEntry{}, err
	}
	if times != "" {
		e.Times = strings.Split(times, ",")
	}
	e.LastError = lastErr.String
	e.CreatedAt = timeOf(createdMS)
	e.UpdatedAt = timeOf(updatedMS)
	return e, nil
}

func scanRetryEntry(r rowScanner) (RetryEntry, error) {
	var (
		e         RetryEntry
		nextMS    int64
		lastErr   sql.NullString
		createdMS int64
		updatedMS int64
	)
	if err := r.Scan(&e.ID, &e.TargetID, &e.UserID, &e.OriginalQueueID, &e.Payload,
		&e.RetryCount, &e.MaxRetries, &nextMS, &lastErr, &e.Status, &createdMS, &updatedMS); err != nil {
		return RetryEntry{}, err
	}
	e.NextRetryAt = timeOf(nextMS)
	e.LastError = lastErr.String
	e.CreatedAt = timeOf(createdMS)
	e.UpdatedAt = timeOf(updatedMS)
	return e, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
