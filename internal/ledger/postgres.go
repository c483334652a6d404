package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stablepay/internal/config"
)

const (
	pgSelectColumns = `id::text, owner_id, wallet_address, amount::text, currency_code, status, tx_identifier, recipient, order_ref, created_at, updated_at`

	pgInsertSQL = `INSERT INTO payment_records (` + recordColumns + `)
    VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
    ON CONFLICT (tx_identifier) DO NOTHING
    RETURNING ` + pgSelectColumns

	pgGetByIdentifierSQL = `SELECT ` + pgSelectColumns + `
    FROM payment_records
    WHERE tx_identifier = $1`

	pgUpdateSQL = `UPDATE payment_records
    SET status     = COALESCE($3, status),
        recipient  = COALESCE($4, recipient),
        order_ref  = COALESCE($5, order_ref),
        updated_at = $6
    WHERE tx_identifier = $1
      AND status = $2
    RETURNING ` + pgSelectColumns

	pgListPendingSQL = `SELECT ` + pgSelectColumns + `
    FROM payment_records
    WHERE status = 'pending'
      AND created_at < $1
    ORDER BY created_at
    LIMIT $2`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresStore is the pgx-backed ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is session scoped, so the connection is held until unlock.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Migrate applies the embedded postgres migrations.
func (s *PostgresStore) Migrate(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	return migrate(ctx, "postgres", pgMigrator{pool: pool})
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, rec PaymentRecord) (PaymentRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PaymentRecord{}, false, err
	}
	rec, err = prepareCreate(rec, s.now())
	if err != nil {
		return PaymentRecord{}, false, err
	}

	row := pool.QueryRow(ctx, pgInsertSQL,
		rec.ID.String(),
		rec.OwnerID,
		rec.WalletAddress,
		rec.Amount.String(),
		rec.CurrencyCode,
		string(rec.Status),
		nullableString(rec.TxIdentifier),
		nullableString(rec.Recipient),
		nullableString(rec.OrderRef),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	stored, scanErr := scanPgRecord(row)
	if scanErr == nil {
		return stored, true, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) || rec.TxIdentifier == nil {
		return PaymentRecord{}, false, fmt.Errorf("insert payment record: %w", scanErr)
	}

	// conflict on tx_identifier: hand back the row that won
	existing, err := s.GetByIdentifier(ctx, *rec.TxIdentifier)
	if err != nil {
		return PaymentRecord{}, false, fmt.Errorf("load existing payment record: %w", err)
	}
	return existing, false, nil
}

// GetByIdentifier implements Store.
func (s *PostgresStore) GetByIdentifier(ctx context.Context, txID string) (PaymentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PaymentRecord{}, err
	}
	rec, err := scanPgRecord(pool.QueryRow(ctx, pgGetByIdentifierSQL, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentRecord{}, ErrNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("get payment record: %w", err)
	}
	return rec, nil
}

// UpdateByIdentifier implements Store.
func (s *PostgresStore) UpdateByIdentifier(ctx context.Context, txID string, expected Status, upd Update) (PaymentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PaymentRecord{}, err
	}
	if err := checkUpdate(txID, expected, upd); err != nil {
		return PaymentRecord{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("begin update: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, pgUpdateSQL,
		txID,
		string(expected),
		nullableStatus(upd.Status),
		nullableString(upd.Recipient),
		nullableString(upd.OrderRef),
		s.now().UTC(),
	)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("update payment record: %w", err)
	}
	updated, err := collectPgRecords(rows)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("update payment record: %w", err)
	}

	switch len(updated) {
	case 0:
		return PaymentRecord{}, ErrNotFound
	case 1:
	default:
		return PaymentRecord{}, fmt.Errorf("%w: %d rows for %s", ErrConflict, len(updated), txID)
	}

	if err := tx.Commit(ctx); err != nil {
		return PaymentRecord{}, fmt.Errorf("commit update: %w", err)
	}
	committed = true
	return updated[0], nil
}

// QueryByOwner implements Store.
func (s *PostgresStore) QueryByOwner(ctx context.Context, ownerID string, filter Filter) ([]PaymentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args := ownerQuery(pgSelectColumns, ownerID, filter, pgPlaceholder, func(t time.Time) any { return t })
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payment records: %w", err)
	}
	return collectPgRecords(rows)
}

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]PaymentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := pool.Query(ctx, pgListPendingSQL, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	return collectPgRecords(rows)
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func collectPgRecords(rows pgx.Rows) ([]PaymentRecord, error) {
	defer rows.Close()
	out := make([]PaymentRecord, 0)
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPgRecord(row pgx.Row) (PaymentRecord, error) {
	var (
		rec       PaymentRecord
		idStr     string
		amountStr string
		status    string
	)
	if err := row.Scan(
		&idStr,
		&rec.OwnerID,
		&rec.WalletAddress,
		&amountStr,
		&rec.CurrencyCode,
		&status,
		&rec.TxIdentifier,
		&rec.Recipient,
		&rec.OrderRef,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return PaymentRecord{}, err
	}
	return finishRecord(rec, idStr, amountStr, status)
}

func finishRecord(rec PaymentRecord, idStr, amountStr, status string) (PaymentRecord, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("parse record id: %w", err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.ID = id
	rec.Amount = amount
	rec.Status = Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

type pgMigrator struct {
	pool *pgxpool.Pool
}

func (m pgMigrator) exec(ctx context.Context, stmt string, args ...any) error {
	_, err := m.pool.Exec(ctx, stmt, args...)
	return err
}

func (m pgMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (m pgMigrator) record(ctx context.Context, version string) error {
	return m.exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
