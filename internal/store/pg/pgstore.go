package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"elimu.org/internal/auth"
	"elimu.org/internal/receipt"
	"elimu.org/internal/sync"
)

// Store implements the durable side of the sync core: receipt chains, the
// outbox, conflicts, assessment attempts and device trust tokens.
type Store struct {
	db *sql.DB
}

var (
	_ receipt.Store      = (*Store)(nil)
	_ sync.OutboxStore   = (*Store)(nil)
	_ sync.ConflictStore = conflictsView{}
	_ sync.AttemptStore  = attemptsView{}
	_ auth.DeviceStore   = (*Store)(nil)
)

// Conflicts returns the sync.ConflictStore backed by this store.
func (s *Store) Conflicts() sync.ConflictStore { return conflictsView{s} }

// Attempts returns the sync.AttemptStore backed by this store.
func (s *Store) Attempts() sync.AttemptStore { return attemptsView{s} }

// Views resolve the method-name overlap between the store interfaces
// (Insert, Get) on the single underlying handle.
type conflictsView struct{ s *Store }

func (v conflictsView) Insert(ctx context.Context, c sync.SyncConflict) error {
	return v.s.InsertConflict(ctx, c)
}

func (v conflictsView) Get(ctx context.Context, tenantID, id string) (sync.SyncConflict, error) {
	return v.s.GetConflict(ctx, tenantID, id)
}

func (v conflictsView) Resolve(ctx context.Context, tenantID, id, resolverID, strategy string, at time.Time) (sync.SyncConflict, error) {
	return v.s.Resolve(ctx, tenantID, id, resolverID, strategy, at)
}

func (v conflictsView) ListUnresolvedByUser(ctx context.Context, tenantID, userID string) ([]sync.SyncConflict, error) {
	return v.s.ListUnresolvedByUser(ctx, tenantID, userID)
}

func (v conflictsView) ListByTenant(ctx context.Context, tenantID string, unresolvedOnly bool) ([]sync.SyncConflict, error) {
	return v.s.ListByTenant(ctx, tenantID, unresolvedOnly)
}

type attemptsView struct{ s *Store }

func (v attemptsView) Get(ctx context.Context, tenantID, attemptID string) (sync.Attempt, error) {
	return v.s.GetAttempt(ctx, tenantID, attemptID)
}

func (v attemptsView) MarkSubmitted(ctx context.Context, tenantID, attemptID string, at time.Time) error {
	return v.s.MarkSubmitted(ctx, tenantID, attemptID, at)
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- receipt.Store ---

// Append serializes chain appends per (tenant, user) with an advisory
// transaction lock, so concurrent batches for the same user cannot fork the
// chain or reuse a chain position.
func (s *Store) Append(ctx context.Context, tenantID, userID string, build func(prev *receipt.Receipt) (receipt.Receipt, error)) (receipt.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return receipt.Receipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`select pg_advisory_xact_lock(hashtextextended($1, 0))`,
		tenantID+":"+userID,
	); err != nil {
		return receipt.Receipt{}, err
	}

	var prev *receipt.Receipt
	head, err := scanReceipt(tx.QueryRowContext(ctx, `
		select id, tenant_id, user_id, receipt_code, entity_id, entity_type, action,
		       ts, coalesce(previous_receipt_hash,''), receipt_hash, payload, chain_position
		from receipts
		where tenant_id=$1 and user_id=$2
		order by chain_position desc
		limit 1
	`, tenantID, userID))
	if err == nil {
		prev = &head
	} else if !errors.Is(err, sql.ErrNoRows) {
		return receipt.Receipt{}, err
	}

	r, err := build(prev)
	if err != nil {
		return receipt.Receipt{}, err
	}

	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into receipts(id, tenant_id, user_id, receipt_code, entity_id, entity_type,
		                     action, ts, previous_receipt_hash, receipt_hash, payload, chain_position)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''),$10,$11,$12)
	`, r.ID, r.TenantID, r.UserID, r.ReceiptCode, r.EntityID, r.EntityType,
		r.Action, r.Timestamp, r.PreviousReceiptHash, r.ReceiptHash, payload, r.ChainPosition); err != nil {
		return receipt.Receipt{}, err
	}

	if err := tx.Commit(); err != nil {
		return receipt.Receipt{}, err
	}
	return r, nil
}

func (s *Store) ByCode(ctx context.Context, tenantID, code string) (receipt.Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, receipt_code, entity_id, entity_type, action,
		       ts, coalesce(previous_receipt_hash,''), receipt_hash, payload, chain_position
		from receipts
		where tenant_id=$1 and receipt_code=$2
	`, tenantID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return receipt.Receipt{}, receipt.ErrNotFound
	}
	return r, err
}

func (s *Store) ByEntity(ctx context.Context, tenantID, entityID string) (receipt.Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, `
		select id, tenant_id, user_id, receipt_code, entity_id, entity_type, action,
		       ts, coalesce(previous_receipt_hash,''), receipt_hash, payload, chain_position
		from receipts
		where tenant_id=$1 and entity_id=$2
		order by ts asc
		limit 1
	`, tenantID, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return receipt.Receipt{}, receipt.ErrNotFound
	}
	return r, err
}

func (s *Store) Chain(ctx context.Context, tenantID, userID string) ([]receipt.Receipt, error) {
	return s.queryReceipts(ctx, `
		select id, tenant_id, user_id, receipt_code, entity_id, entity_type, action,
		       ts, coalesce(previous_receipt_hash,''), receipt_hash, payload, chain_position
		from receipts
		where tenant_id=$1 and user_id=$2
		order by chain_position asc
	`, tenantID, userID)
}

func (s *Store) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]receipt.Receipt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryReceipts(ctx, `
		select id, tenant_id, user_id, receipt_code, entity_id, entity_type, action,
		       ts, coalesce(previous_receipt_hash,''), receipt_hash, payload, chain_position
		from receipts
		where tenant_id=$1 and user_id=$2
		order by ts desc
		limit $3
	`, tenantID, userID, limit)
}

func (s *Store) queryReceipts(ctx context.Context, query string, args ...any) ([]receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (receipt.Receipt, error) {
	var r receipt.Receipt
	var payload []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &r.ReceiptCode, &r.EntityID, &r.EntityType,
		&r.Action, &r.Timestamp, &r.PreviousReceiptHash, &r.ReceiptHash, &payload, &r.ChainPosition); err != nil {
		return receipt.Receipt{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return receipt.Receipt{}, err
		}
	}
	return r, nil
}

// --- sync.OutboxStore ---

func (s *Store) Insert(ctx context.Context, entry sync.OutboxEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into offline_outbox(id, tenant_id, created_by, aggregate_id, event_type,
		                           payload, idempotency_key, status, retry_count, last_error,
		                           processed_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11,$12)
	`, entry.ID, entry.TenantID, entry.CreatedBy, entry.AggregateID, entry.EventType,
		payload, entry.IdempotencyKey, entry.Status, entry.RetryCount, entry.LastError,
		entry.ProcessedAt, entry.CreatedAt)
	if isUniqueViolation(err) {
		return sync.ErrDuplicateKey
	}
	return err
}

func (s *Store) ByIdempotencyKey(ctx context.Context, tenantID, key string) (sync.OutboxEntry, error) {
	var entry sync.OutboxEntry
	var payload []byte
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, created_by, aggregate_id, event_type, payload,
		       idempotency_key, status, retry_count, last_error, processed_at, created_at
		from offline_outbox
		where tenant_id=$1 and idempotency_key=$2
	`, tenantID, key).Scan(&entry.ID, &entry.TenantID, &entry.CreatedBy, &entry.AggregateID,
		&entry.EventType, &payload, &entry.IdempotencyKey, &entry.Status, &entry.RetryCount,
		&lastError, &entry.ProcessedAt, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sync.OutboxEntry{}, sync.ErrNotFound
	}
	if err != nil {
		return sync.OutboxEntry{}, err
	}
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return sync.OutboxEntry{}, err
		}
	}
	return entry, nil
}

// --- sync.ConflictStore ---

func (s *Store) InsertConflict(ctx context.Context, c sync.SyncConflict) error {
	local, err := json.Marshal(c.LocalPayload)
	if err != nil {
		return err
	}
	server, err := json.Marshal(c.ServerPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sync_conflicts(id, tenant_id, outbox_id, user_id, entity_type,
		                           local_payload, server_payload, resolution_status,
		                           resolved_by, resolved_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''),$10,$11)
	`, c.ID, c.TenantID, c.OutboxID, c.UserID, c.EntityType,
		local, server, c.ResolutionStatus, c.ResolvedBy, c.ResolvedAt, c.CreatedAt)
	return err
}

func (s *Store) GetConflict(ctx context.Context, tenantID, id string) (sync.SyncConflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `
		select id, tenant_id, outbox_id, user_id, entity_type, local_payload, server_payload,
		       resolution_status, coalesce(resolved_by,''), resolved_at, created_at
		from sync_conflicts
		where tenant_id=$1 and id=$2
	`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sync.SyncConflict{}, sync.ErrNotFound
	}
	return c, err
}

// Resolve performs the single unresolved -> strategy transition. The status
// predicate in the update makes the transition atomic under concurrency.
func (s *Store) Resolve(ctx context.Context, tenantID, id, resolverID, strategy string, at time.Time) (sync.SyncConflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `
		update sync_conflicts
		set resolution_status=$3, resolved_by=$4, resolved_at=$5
		where tenant_id=$1 and id=$2 and resolution_status='unresolved'
		returning id, tenant_id, outbox_id, user_id, entity_type, local_payload, server_payload,
		          resolution_status, coalesce(resolved_by,''), resolved_at, created_at
	`, tenantID, id, strategy, resolverID, at))
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already resolved; look it up to tell them apart.
		if _, getErr := s.GetConflict(ctx, tenantID, id); getErr == nil {
			return sync.SyncConflict{}, sync.ErrConflictResolved
		}
		return sync.SyncConflict{}, sync.ErrNotFound
	}
	return c, err
}

func (s *Store) ListUnresolvedByUser(ctx context.Context, tenantID, userID string) ([]sync.SyncConflict, error) {
	return s.queryConflicts(ctx, `
		select id, tenant_id, outbox_id, user_id, entity_type, local_payload, server_payload,
		       resolution_status, coalesce(resolved_by,''), resolved_at, created_at
		from sync_conflicts
		where tenant_id=$1 and user_id=$2 and resolution_status='unresolved'
		order by created_at asc
	`, tenantID, userID)
}

func (s *Store) ListByTenant(ctx context.Context, tenantID string, unresolvedOnly bool) ([]sync.SyncConflict, error) {
	query := `
		select id, tenant_id, outbox_id, user_id, entity_type, local_payload, server_payload,
		       resolution_status, coalesce(resolved_by,''), resolved_at, created_at
		from sync_conflicts
		where tenant_id=$1
	`
	if unresolvedOnly {
		query += ` and resolution_status='unresolved'`
	}
	query += ` order by created_at asc`
	return s.queryConflicts(ctx, query, tenantID)
}

func (s *Store) queryConflicts(ctx context.Context, query string, args ...any) ([]sync.SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sync.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (sync.SyncConflict, error) {
	var c sync.SyncConflict
	var local, server []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.OutboxID, &c.UserID, &c.EntityType,
		&local, &server, &c.ResolutionStatus, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt); err != nil {
		return sync.SyncConflict{}, err
	}
	if len(local) > 0 {
		if err := json.Unmarshal(local, &c.LocalPayload); err != nil {
			return sync.SyncConflict{}, err
		}
	}
	if len(server) > 0 {
		if err := json.Unmarshal(server, &c.ServerPayload); err != nil {
			return sync.SyncConflict{}, err
		}
	}
	return c, nil
}

// --- sync.AttemptStore ---

func (s *Store) GetAttempt(ctx context.Context, tenantID, attemptID string) (sync.Attempt, error) {
	var a sync.Attempt
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, status, submitted_at, server_received_at
		from assessment_attempts
		where tenant_id=$1 and id=$2
	`, tenantID, attemptID).Scan(&a.ID, &a.TenantID, &a.Status, &a.SubmittedAt, &a.ServerReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Attempt{}, sync.ErrNotFound
	}
	return a, err
}

func (s *Store) MarkSubmitted(ctx context.Context, tenantID, attemptID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update assessment_attempts
		set status='submitted', submitted_at=$3, server_received_at=$3
		where tenant_id=$1 and id=$2
	`, tenantID, attemptID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sync.ErrNotFound
	}
	return nil
}

// --- auth.DeviceStore ---

func (s *Store) FindTrustToken(ctx context.Context, deviceID, tokenHash string) (auth.DeviceTrustToken, error) {
	var t auth.DeviceTrustToken
	err := s.db.QueryRowContext(ctx, `
		select device_id, token_hash, expires_at, revoked_at
		from device_trust_tokens
		where device_id=$1 and token_hash=$2
	`, deviceID, tokenHash).Scan(&t.DeviceID, &t.TokenHash, &t.ExpiresAt, &t.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.DeviceTrustToken{}, auth.ErrNotFound
	}
	return t, err
}
