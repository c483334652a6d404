package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteInsertSQL = `INSERT INTO payment_records (` + recordColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (tx_identifier) DO NOTHING
    RETURNING ` + recordColumns

	sqliteGetByIdentifierSQL = `SELECT ` + recordColumns + `
    FROM payment_records
    WHERE tx_identifier = ?`

	sqliteUpdateSQL = `UPDATE payment_records
    SET status     = COALESCE(?3, status),
        recipient  = COALESCE(?4, recipient),
        order_ref  = COALESCE(?5, order_ref),
        updated_at = ?6
    WHERE tx_identifier = ?1
      AND status = ?2
    RETURNING ` + recordColumns

	sqliteListPendingSQL = `SELECT ` + recordColumns + `
    FROM payment_records
    WHERE status = 'pending'
      AND created_at < ?
    ORDER BY created_at
    LIMIT ?`
)

// SQLiteStore is the embedded ledger backed by modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// MemoryDSN returns a private shared-cache in-memory database name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// OpenSQLite opens the database at dsn and applies migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serialises writers; the conditional statements stay atomic
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if _, err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Migrate applies the embedded sqlite migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	return migrate(ctx, "sqlite", sqliteMigrator{db: db})
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec PaymentRecord) (PaymentRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return PaymentRecord{}, false, err
	}
	rec, err = prepareCreate(rec, s.now())
	if err != nil {
		return PaymentRecord{}, false, err
	}

	row := db.QueryRowContext(ctx, sqliteInsertSQL,
		rec.ID.String(),
		rec.OwnerID,
		rec.WalletAddress,
		rec.Amount.String(),
		rec.CurrencyCode,
		string(rec.Status),
		nullableString(rec.TxIdentifier),
		nullableString(rec.Recipient),
		nullableString(rec.OrderRef),
		rec.CreatedAt.UnixMicro(),
		rec.UpdatedAt.UnixMicro(),
	)
	stored, scanErr := scanSQLiteRecord(row)
	if scanErr == nil {
		return stored, true, nil
	}
	if !errors.Is(scanErr, sql.ErrNoRows) || rec.TxIdentifier == nil {
		return PaymentRecord{}, false, fmt.Errorf("insert payment record: %w", scanErr)
	}

	existing, err := s.GetByIdentifier(ctx, *rec.TxIdentifier)
	if err != nil {
		return PaymentRecord{}, false, fmt.Errorf("load existing payment record: %w", err)
	}
	return existing, false, nil
}

// GetByIdentifier implements Store.
func (s *SQLiteStore) GetByIdentifier(ctx context.Context, txID string) (PaymentRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return PaymentRecord{}, err
	}
	rec, err := scanSQLiteRecord(db.QueryRowContext(ctx, sqliteGetByIdentifierSQL, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentRecord{}, ErrNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("get payment record: %w", err)
	}
	return rec, nil
}

// UpdateByIdentifier implements Store.
func (s *SQLiteStore) UpdateByIdentifier(ctx context.Context, txID string, expected Status, upd Update) (PaymentRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return PaymentRecord{}, err
	}
	if err := checkUpdate(txID, expected, upd); err != nil {
		return PaymentRecord{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("begin update: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, sqliteUpdateSQL,
		txID,
		string(expected),
		nullableStatus(upd.Status),
		nullableString(upd.Recipient),
		nullableString(upd.OrderRef),
		s.now().UTC().UnixMicro(),
	)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("update payment record: %w", err)
	}
	updated, err := collectSQLiteRecords(rows)
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

	if err := tx.Commit(); err != nil {
		return PaymentRecord{}, fmt.Errorf("commit update: %w", err)
	}
	committed = true
	return updated[0], nil
}

// QueryByOwner implements Store.
func (s *SQLiteStore) QueryByOwner(ctx context.Context, ownerID string, filter Filter) ([]PaymentRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	query, args := ownerQuery(recordColumns, ownerID, filter,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UnixMicro() },
	)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payment records: %w", err)
	}
	return collectSQLiteRecords(rows)
}

// ListPending implements Store.
func (s *SQLiteStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]PaymentRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := db.QueryContext(ctx, sqliteListPendingSQL, olderThan.UTC().UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	return collectSQLiteRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectSQLiteRecords(rows *sql.Rows) ([]PaymentRecord, error) {
	defer rows.Close()
	out := make([]PaymentRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

func scanSQLiteRecord(row rowScanner) (PaymentRecord, error) {
	var (
		rec                  PaymentRecord
		idStr, amountStr     string
		status               string
		txID, recipient, ref sql.NullString
		created, updated     int64
	)
	if err := row.Scan(
		&idStr,
		&rec.OwnerID,
		&rec.WalletAddress,
		&amountStr,
		&rec.CurrencyCode,
		&status,
		&txID,
		&recipient,
		&ref,
		&created,
		&updated,
	); err != nil {
		return PaymentRecord{}, err
	}
	rec.TxIdentifier = fromNull(txID)
	rec.Recipient = fromNull(recipient)
	rec.OrderRef = fromNull(ref)
	rec.CreatedAt = time.UnixMicro(created)
	rec.UpdatedAt = time.UnixMicro(updated)
	return finishRecord(rec, idStr, amountStr, status)
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

type sqliteMigrator struct {
	db *sql.DB
}

func (m sqliteMigrator) exec(ctx context.Context, stmt string, args ...any) error {
	_, err := m.db.ExecContext(ctx, stmt, args...)
	return err
}

func (m sqliteMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
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

func (m sqliteMigrator) record(ctx context.Context, version string) error {
	return m.exec(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, version)
}

var _ Store = (*SQLiteStore)(nil)
