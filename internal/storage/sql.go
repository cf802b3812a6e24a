package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"greetd/internal/domain"
	"greetd/internal/ratelimit"
	logx "greetd/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// scanner is satisfied by database/sql and pgx rows alike.
type scanner interface {
	Scan(dest ...any) error
}

type rows interface {
	scanner
	Next() bool
	Err() error
	Close()
}

type querier interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	query(ctx context.Context, q string, args ...any) (rows, error)
	queryRow(ctx context.Context, q string, args ...any) scanner
}

type txn interface {
	querier
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

type backend interface {
	querier
	begin(ctx context.Context) (txn, error)
	ping(ctx context.Context) error
	close() error
}

// sqlStore implements Store over any backend that speaks the shared schema.
// Queries are written with ? placeholders; backends rebind as needed.
type sqlStore struct {
	db        backend
	log       logx.Logger
	forUpdate string
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.ping(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.close()
}

// inTx runs fn in a transaction. fn returning false rolls back without error.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx txn) (bool, error)) (bool, error) {
	tx, err := s.db.begin(ctx)
	if err != nil {
		return false, err
	}
	ok, err := fn(tx)
	if err != nil || !ok {
		_ = tx.rollback(ctx)
		return false, err
	}
	if err := tx.commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ---- value helpers ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func limitArg(n int) int64 {
	if n <= 0 {
		return math.MaxInt32
	}
	return int64(n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// exists reports whether a row with id is present in table.
func exists(ctx context.Context, q querier, table, id string) (bool, error) {
	var one int
	err := q.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

// changedOrMissing turns a zero-row conditional update into ErrNotFound when
// the row does not exist at all.
func changedOrMissing(ctx context.Context, q querier, table, id string, n int64) (bool, error) {
	if n > 0 {
		return true, nil
	}
	ok, err := exists(ctx, q, table, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	return false, nil
}

// ---- events ----

const eventCols = `id, account_id, recipient, event_type, default_message, title, event_date, event_time,
 recurrence, advance_notice_days, send_on_day, template_ref, custom_message, fields, channels,
 status, next_execution, last_processed, claimed_at, execution_count, last_error, created_at, updated_at`

func scanEvent(sc scanner) (*domain.Event, error) {
	var (
		ev                                  domain.Event
		recipient, date, clock, fields, chs string
		recurrence, status                  string
		sendOnDay                           int
		next, last, claimed                 sql.NullInt64
		created, updated                    int64
	)
	err := sc.Scan(&ev.ID, &ev.AccountID, &recipient, &ev.EventType, &ev.DefaultMessage, &ev.Title,
		&date, &clock, &recurrence, &ev.AdvanceNoticeDays, &sendOnDay, &ev.TemplateRef, &ev.CustomMessage,
		&fields, &chs, &status, &next, &last, &claimed, &ev.ExecutionCount, &ev.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipient), &ev.Recipient); err != nil {
		return nil, fmt.Errorf("event %s recipient: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
		return nil, fmt.Errorf("event %s fields: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(chs), &ev.Channels); err != nil {
		return nil, fmt.Errorf("event %s channels: %w", ev.ID, err)
	}
	if ev.EventDate, err = domain.ParseDate(date); err != nil {
		return nil, err
	}
	if ev.EventTime, err = domain.ParseClock(clock); err != nil {
		return nil, err
	}
	ev.Recurrence = domain.Recurrence(recurrence)
	ev.Status = domain.EventStatus(status)
	ev.SendOnDay = sendOnDay != 0
	ev.NextExecution = fromNullMs(next)
	ev.LastProcessed = fromNullMs(last)
	ev.ClaimedAt = fromNullMs(claimed)
	ev.CreatedAt = fromMs(created)
	ev.UpdatedAt = fromMs(updated)
	return &ev, nil
}

func collectEvents(r rows, err error) ([]*domain.Event, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*domain.Event
	for r.Next() {
		ev, err := scanEvent(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, r.Err()
}

func (s *sqlStore) CreateEvent(ctx context.Context, ev *domain.Event) error {
	fields := ev.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	chs := ev.Channels
	if chs == nil {
		chs = map[domain.Channel]domain.ChannelOverride{}
	}
	_, err := s.db.exec(ctx, `INSERT INTO events(`+eventCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.AccountID, mustJSON(ev.Recipient), ev.EventType, ev.DefaultMessage, ev.Title,
		ev.EventDate.String(), ev.EventTime.String(), string(ev.Recurrence), ev.AdvanceNoticeDays,
		boolInt(ev.SendOnDay), ev.TemplateRef, ev.CustomMessage, mustJSON(fields), mustJSON(chs),
		string(ev.Status), nullMs(ev.NextExecution), nullMs(ev.LastProcessed), nullMs(ev.ClaimedAt),
		ev.ExecutionCount, ev.LastError, ms(ev.CreatedAt), ms(ev.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	ev, err := scanEvent(s.db.queryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *sqlStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error) {
	return collectEvents(s.db.query(ctx, `SELECT `+eventCols+` FROM events
		WHERE status = 'pending' AND next_execution IS NOT NULL AND next_execution <= ?
		ORDER BY next_execution, id LIMIT ?`, ms(now), limitArg(limit)))
}

func (s *sqlStore) PendingEvents(ctx context.Context, afterID string, limit int) ([]*domain.Event, error) {
	return collectEvents(s.db.query(ctx, `SELECT `+eventCols+` FROM events
		WHERE status = 'pending' AND id > ? ORDER BY id LIMIT ?`, afterID, limitArg(limit)))
}

func (s *sqlStore) ClaimEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND next_execution IS NOT NULL AND next_execution <= ?`,
		ms(now), ms(now), id, ms(now))
	return n > 0, err
}

func (s *sqlStore) FinishFiring(ctx context.Context, f Firing) (bool, error) {
	return s.inTx(ctx, func(tx txn) (bool, error) {
		n, err := tx.exec(ctx, `UPDATE events SET status = ?, next_execution = ?, last_processed = ?,
			claimed_at = NULL, execution_count = execution_count + 1, last_error = '', updated_at = ?
			WHERE id = ? AND status = 'processing' AND claimed_at = ?`,
			string(f.Status), nullMs(f.NextExecution), ms(f.Now), ms(f.Now), f.EventID, ms(f.ClaimedAt))
		if err != nil || n == 0 {
			return false, err
		}
		for _, q := range f.Entries {
			if err := insertEntry(ctx, tx, q); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *sqlStore) FailEvent(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET status = 'failed', last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`, reason, ms(now), id)
	return n > 0, err
}

func (s *sqlStore) SetNextExecution(ctx context.Context, id string, next *time.Time, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET next_execution = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND (next_execution IS NULL OR next_execution > ?)`,
		nullMs(next), ms(now), id, ms(now))
	return n > 0, err
}

func (s *sqlStore) CancelEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET status = 'cancelled', next_execution = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing', 'failed')`, ms(now), id)
	if err != nil {
		return false, err
	}
	return changedOrMissing(ctx, s.db, "events", id, n)
}

func (s *sqlStore) RescheduleEvent(ctx context.Context, id string, next *time.Time, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET status = 'pending', next_execution = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`, nullMs(next), ms(now), id)
	if err != nil {
		return false, err
	}
	return changedOrMissing(ctx, s.db, "events", id, n)
}

func (s *sqlStore) ReleaseStaleEvents(ctx context.Context, before, now time.Time) (int, error) {
	n, err := s.db.exec(ctx, `UPDATE events SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?`, ms(now), ms(before))
	return int(n), err
}

// ---- queue ----

const entryCols = `id, account_id, event_id, channel, recipient_address, recipient_name, subject, body,
 attachments, priority, scheduled_for, status, attempts, max_attempts, retry_after, claimed_at, sent_at,
 last_error, created_at, updated_at`

func insertEntry(ctx context.Context, q querier, e *domain.QueueEntry) error {
	atts := e.Attachments
	if atts == nil {
		atts = []string{}
	}
	_, err := q.exec(ctx, `INSERT INTO notification_queue(`+entryCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AccountID, e.EventID, string(e.Channel), e.RecipientAddress, e.RecipientName,
		e.Subject, e.Body, mustJSON(atts), int(e.Priority), ms(e.ScheduledFor), string(e.Status),
		e.Attempts, e.MaxAttempts, nullMs(e.RetryAfter), nullMs(e.ClaimedAt), nullMs(e.SentAt),
		e.LastError, ms(e.CreatedAt), ms(e.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanEntry(sc scanner) (*domain.QueueEntry, error) {
	var (
		e                         domain.QueueEntry
		channel, status, atts     string
		priority                  int
		scheduled, created, upd   int64
		retryAfter, claimed, sent sql.NullInt64
	)
	err := sc.Scan(&e.ID, &e.AccountID, &e.EventID, &channel, &e.RecipientAddress, &e.RecipientName,
		&e.Subject, &e.Body, &atts, &priority, &scheduled, &status, &e.Attempts, &e.MaxAttempts,
		&retryAfter, &claimed, &sent, &e.LastError, &created, &upd)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(atts), &e.Attachments); err != nil {
		return nil, fmt.Errorf("entry %s attachments: %w", e.ID, err)
	}
	if len(e.Attachments) == 0 {
		e.Attachments = nil
	}
	e.Channel = domain.Channel(channel)
	e.Status = domain.EntryStatus(status)
	e.Priority = domain.Priority(priority)
	e.ScheduledFor = fromMs(scheduled)
	e.RetryAfter = fromNullMs(retryAfter)
	e.ClaimedAt = fromNullMs(claimed)
	e.SentAt = fromNullMs(sent)
	e.CreatedAt = fromMs(created)
	e.UpdatedAt = fromMs(upd)
	return &e, nil
}

func collectEntries(r rows, err error) ([]*domain.QueueEntry, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*domain.QueueEntry
	for r.Next() {
		e, err := scanEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, r.Err()
}

func (s *sqlStore) InsertEntries(ctx context.Context, entries ...*domain.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.inTx(ctx, func(tx txn) (bool, error) {
		for _, e := range entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return err
}

func (s *sqlStore) GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	e, err := scanEntry(s.db.queryRow(ctx, `SELECT `+entryCols+` FROM notification_queue WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqlStore) DuePending(ctx context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	return collectEntries(s.db.query(ctx, `SELECT `+entryCols+` FROM notification_queue
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC, id ASC LIMIT ?`, ms(now), limitArg(limit)))
}

func (s *sqlStore) DueRetry(ctx context.Context, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	return collectEntries(s.db.query(ctx, `SELECT `+entryCols+` FROM notification_queue
		WHERE status = 'retry' AND retry_after IS NOT NULL AND retry_after <= ?
		ORDER BY priority DESC, retry_after ASC, id ASC LIMIT ?`, ms(now), limitArg(limit)))
}

func (s *sqlStore) StaleEntries(ctx context.Context, before time.Time, limit int) ([]*domain.QueueEntry, error) {
	return collectEntries(s.db.query(ctx, `SELECT `+entryCols+` FROM notification_queue
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY priority DESC, claimed_at ASC, id ASC LIMIT ?`, ms(before), limitArg(limit)))
}

func (s *sqlStore) ClaimEntry(ctx context.Context, id string, from domain.EntryStatus, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE notification_queue SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`, ms(now), ms(now), id, string(from))
	return n > 0, err
}

func (s *sqlStore) ReleaseEntry(ctx context.Context, id string, to domain.EntryStatus, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE notification_queue SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`, string(to), ms(now), id)
	return n > 0, err
}

func (s *sqlStore) CompleteEntry(ctx context.Context, c Claim, log domain.DeliveryLog) (bool, error) {
	return s.inTx(ctx, func(tx txn) (bool, error) {
		n, err := tx.exec(ctx, `UPDATE notification_queue SET status = 'sent', sent_at = ?, retry_after = NULL,
			claimed_at = NULL, last_error = '', updated_at = ?
			WHERE id = ? AND status = 'processing' AND claimed_at = ?`, ms(log.SentAt), ms(log.SentAt), c.ID, ms(c.At))
		if err != nil || n == 0 {
			return false, err
		}
		return true, insertLog(ctx, tx, log)
	})
}

func (s *sqlStore) RetryEntry(ctx context.Context, c Claim, attempts int, retryAfter time.Time, reason string, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE notification_queue SET status = 'retry', attempts = ?, retry_after = ?,
		last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claimed_at = ?`, attempts, ms(retryAfter), reason, ms(now), c.ID, ms(c.At))
	return n > 0, err
}

func (s *sqlStore) FailEntry(ctx context.Context, c Claim, attempts int, reason string, log domain.DeliveryLog) (bool, error) {
	return s.inTx(ctx, func(tx txn) (bool, error) {
		n, err := tx.exec(ctx, `UPDATE notification_queue SET status = 'failed', attempts = ?, retry_after = NULL,
			last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing' AND claimed_at = ?`, attempts, reason, ms(log.SentAt), c.ID, ms(c.At))
		if err != nil || n == 0 {
			return false, err
		}
		return true, insertLog(ctx, tx, log)
	})
}

func (s *sqlStore) CancelEntry(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.db.exec(ctx, `UPDATE notification_queue SET status = 'cancelled', retry_after = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'retry', 'processing')`, ms(now), id)
	if err != nil {
		return false, err
	}
	return changedOrMissing(ctx, s.db, "notification_queue", id, n)
}

func (s *sqlStore) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	return s.db.exec(ctx, `DELETE FROM notification_queue
		WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < ?`, ms(before))
}

// ---- delivery logs ----

const logCols = `id, entry_id, account_id, event_id, channel, recipient_address, recipient_name, sent_at,
 status, failure_reason, external_id, external_status, delivered_at, read_at, cost, currency, updated_at`

func insertLog(ctx context.Context, q querier, l domain.DeliveryLog) error {
	var cost any
	if l.Cost != nil {
		cost = *l.Cost
	}
	_, err := q.exec(ctx, `INSERT INTO delivery_logs(`+logCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.EntryID, l.AccountID, l.EventID, string(l.Channel), l.RecipientAddress, l.RecipientName,
		ms(l.SentAt), string(l.Status), l.FailureReason, l.ExternalID, l.ExternalStatus,
		nullMs(l.DeliveredAt), nullMs(l.ReadAt), cost, l.Currency, ms(l.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanLog(sc scanner) (*domain.DeliveryLog, error) {
	var (
		l                 domain.DeliveryLog
		channel, status   string
		sent, upd         int64
		delivered, readAt sql.NullInt64
		cost              sql.NullFloat64
	)
	err := sc.Scan(&l.ID, &l.EntryID, &l.AccountID, &l.EventID, &channel, &l.RecipientAddress,
		&l.RecipientName, &sent, &status, &l.FailureReason, &l.ExternalID, &l.ExternalStatus,
		&delivered, &readAt, &cost, &l.Currency, &upd)
	if err != nil {
		return nil, err
	}
	l.Channel = domain.Channel(channel)
	l.Status = domain.DeliveryStatus(status)
	l.SentAt = fromMs(sent)
	l.DeliveredAt = fromNullMs(delivered)
	l.ReadAt = fromNullMs(readAt)
	if cost.Valid {
		c := cost.Float64
		l.Cost = &c
	}
	l.UpdatedAt = fromMs(upd)
	return &l, nil
}

func (s *sqlStore) GetLogByEntry(ctx context.Context, entryID string) (*domain.DeliveryLog, error) {
	l, err := scanLog(s.db.queryRow(ctx, `SELECT `+logCols+` FROM delivery_logs WHERE entry_id = ?`, entryID))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return l, err
}

func (s *sqlStore) ReconcileCandidates(ctx context.Context, since time.Time, limit int) ([]*domain.DeliveryLog, error) {
	r, err := s.db.query(ctx, `SELECT `+logCols+` FROM delivery_logs
		WHERE status IN ('sent', 'delivered') AND external_id <> '' AND sent_at >= ?
		ORDER BY sent_at, id LIMIT ?`, ms(since), limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*domain.DeliveryLog
	for r.Next() {
		l, err := scanLog(r)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, r.Err()
}

func (s *sqlStore) UpdateLogStatus(ctx context.Context, u LogUpdate) (bool, error) {
	var delivered, read any
	if u.To == domain.DeliveryDelivered || u.To == domain.DeliveryRead {
		delivered = ms(u.At)
	}
	if u.To == domain.DeliveryRead {
		read = ms(u.At)
	}
	q := `UPDATE delivery_logs SET status = ?, external_status = ?, updated_at = ?,
		delivered_at = COALESCE(delivered_at, ?), read_at = COALESCE(read_at, ?)`
	args := []any{string(u.To), u.ExternalStatus, ms(u.At), delivered, read}
	if u.Cost != nil {
		q += `, cost = ?, currency = ?`
		args = append(args, *u.Cost, u.Currency)
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, u.ID, string(u.From))
	n, err := s.db.exec(ctx, q, args...)
	return n > 0, err
}

func (s *sqlStore) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	return s.db.exec(ctx, `DELETE FROM delivery_logs WHERE sent_at < ?`, ms(before))
}

// ---- rate windows ----

func (s *sqlStore) Take(ctx context.Context, key string, windows []ratelimit.Window, now time.Time) (bool, error) {
	allowed := false
	_, err := s.inTx(ctx, func(tx txn) (bool, error) {
		starts := make([]time.Time, len(windows))
		hits := make([]int, len(windows))
		for i, w := range windows {
			if _, err := tx.exec(ctx, `INSERT INTO rate_windows(bucket_key, window_len, window_start, hits)
				VALUES(?,?,0,0) ON CONFLICT DO NOTHING`, key, w.Length.Milliseconds()); err != nil {
				return false, err
			}
			var start int64
			err := tx.queryRow(ctx, `SELECT window_start, hits FROM rate_windows
				WHERE bucket_key = ? AND window_len = ?`+s.forUpdate, key, w.Length.Milliseconds()).Scan(&start, &hits[i])
			if err != nil {
				return false, err
			}
			if start > 0 {
				starts[i] = fromMs(start)
			}
		}
		allowed = ratelimit.Step(starts, hits, windows, now)
		for i, w := range windows {
			if _, err := tx.exec(ctx, `UPDATE rate_windows SET window_start = ?, hits = ?
				WHERE bucket_key = ? AND window_len = ?`, ms(starts[i]), hits[i], key, w.Length.Milliseconds()); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}
