/*
Package sqlite provides a SQLite-backed implementation of quality.TxStore.

PURPOSE:
  Persists the batch pool and the blend ledger. In production the same
  patterns apply to PostgreSQL with minor dialect differences.

KEY TABLES:
  batches: One row per batch, keyed by (provenance, number). Measurements
           are stored as JSON so new attributes need no migration.
  blends:  One row per committed blend. Items (with their frozen batch
           snapshots) and averages are JSON; lot_id is unique.

INDEXES:
  - idx_blends_lot:       Enforces lot uniqueness (maps to ErrDuplicateLotID)
  - idx_blends_serial:    Enforces serial uniqueness
  - idx_batches_state:    Pool snapshots filter by state
  - idx_batches_consumed: Reverse lookup from lot to batches

CONCURRENCY:
  A sync.RWMutex serialises writers. WithTx holds the write lock for the
  whole SQL transaction, and every read inside fn goes through the same
  *sql.Tx, so the availability check and the state flip in a commit see
  one consistent view.

WAL MODE:
  Opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/blend.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - quality/store.go: Interface definitions
  - quality/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/blend-engine/quality"
)

// timeFormat is fixed-width UTC so that text comparison orders instants.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements quality.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Batch pool (inventory feed upserts, ledger flips state)
	CREATE TABLE IF NOT EXISTS batches (
		provenance TEXT NOT NULL,
		number INTEGER NOT NULL,
		numeric_json TEXT NOT NULL,
		categorical_json TEXT NOT NULL,
		state TEXT NOT NULL,
		produced_at TEXT,
		supplier TEXT,
		consumed_by TEXT,
		consumed_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (provenance, number)
	);

	CREATE INDEX IF NOT EXISTS idx_batches_state
		ON batches(state);
	CREATE INDEX IF NOT EXISTS idx_batches_consumed
		ON batches(consumed_by) WHERE consumed_by IS NOT NULL;

	-- Blend ledger
	CREATE TABLE IF NOT EXISTS blends (
		id TEXT PRIMARY KEY,
		serial INTEGER NOT NULL,
		lot_id TEXT NOT NULL,
		status TEXT NOT NULL,
		items_json TEXT NOT NULL,
		total_units INTEGER NOT NULL,
		total_weight TEXT NOT NULL,
		averages_json TEXT NOT NULL,
		target_json TEXT,
		notes TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: lot ids are globally unique
	CREATE UNIQUE INDEX IF NOT EXISTS idx_blends_lot
		ON blends(lot_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_blends_serial
		ON blends(serial);
	CREATE INDEX IF NOT EXISTS idx_blends_created
		ON blends(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BATCH STORE
// =============================================================================

func (s *Store) SaveBatch(ctx context.Context, b quality.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBatch(ctx, s.db, b)
}

func (s *Store) GetBatch(ctx context.Context, key quality.BatchKey) (quality.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, key)
}

func (s *Store) ListBatches(ctx context.Context, filter quality.BatchFilter) ([]quality.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatches(ctx, s.db, filter)
}

func (s *Store) NextBatchNumber(ctx context.Context, p quality.Provenance) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextBatchNumber(ctx, s.db, p)
}

const batchColumns = `provenance, number, numeric_json, categorical_json, state,
	produced_at, supplier, consumed_by, consumed_at`

func saveBatch(ctx context.Context, q querier, b quality.Batch) error {
	numericJSON, err := json.Marshal(nonNilNumeric(b.Numeric))
	if err != nil {
		return fmt.Errorf("failed to encode measurements: %w", err)
	}
	categoricalJSON, err := json.Marshal(nonNilCategorical(b.Categorical))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	query := `
		INSERT INTO batches (` + batchColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provenance, number) DO UPDATE SET
			numeric_json = excluded.numeric_json,
			categorical_json = excluded.categorical_json,
			state = excluded.state,
			produced_at = excluded.produced_at,
			supplier = excluded.supplier,
			consumed_by = excluded.consumed_by,
			consumed_at = excluded.consumed_at,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		b.Key.Provenance,
		b.Key.Number,
		string(numericJSON),
		string(categoricalJSON),
		b.State,
		nullTime(b.ProducedAt),
		nullString(b.Supplier),
		nullString(b.ConsumedBy),
		nullTimePtr(b.ConsumedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", b.Key, err)
	}
	return nil
}

func getBatch(ctx context.Context, q querier, key quality.BatchKey) (quality.Batch, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE provenance = ? AND number = ?`,
		key.Provenance, key.Number)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quality.Batch{}, quality.ErrBatchNotFound
	}
	return b, err
}

func listBatches(ctx context.Context, q querier, filter quality.BatchFilter) ([]quality.Batch, error) {
	var (
		where []string
		args  []any
	)
	if filter.Provenance != "" {
		where = append(where, "provenance = ?")
		args = append(args, filter.Provenance)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY number ASC, CASE provenance WHEN 'internal' THEN 0 ELSE 1 END ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []quality.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		// The fiscal period is applied in Go; it is a day-granular check.
		if filter.ProducedIn != nil && !filter.ProducedIn.Contains(b.ProducedAt) {
			continue
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func nextBatchNumber(ctx context.Context, q querier, p quality.Provenance) (int, error) {
	var max int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(number), 0) FROM batches WHERE provenance = ?", p).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read batch numbers: %w", err)
	}
	return max + 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (quality.Batch, error) {
	var (
		b               quality.Batch
		numericJSON     string
		categoricalJSON string
		producedAt      sql.NullString
		supplier        sql.NullString
		consumedBy      sql.NullString
		consumedAt      sql.NullString
	)
	err := row.Scan(
		&b.Key.Provenance, &b.Key.Number, &numericJSON, &categoricalJSON, &b.State,
		&producedAt, &supplier, &consumedBy, &consumedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	if err := json.Unmarshal([]byte(numericJSON), &b.Numeric); err != nil {
		return b, fmt.Errorf("failed to decode measurements of %s: %w", b.Key, err)
	}
	if err := json.Unmarshal([]byte(categoricalJSON), &b.Categorical); err != nil {
		return b, fmt.Errorf("failed to decode labels of %s: %w", b.Key, err)
	}
	if len(b.Categorical) == 0 {
		b.Categorical = nil
	}
	b.ProducedAt = parseTime(producedAt)
	b.Supplier = supplier.String
	b.ConsumedBy = consumedBy.String
	if consumedAt.Valid {
		t := parseTime(consumedAt)
		b.ConsumedAt = &t
	}
	return b, nil
}

// =============================================================================
// BLEND STORE
// =============================================================================

func (s *Store) SaveBlend(ctx context.Context, b quality.Blend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBlend(ctx, s.db, b)
}

func (s *Store) GetBlend(ctx context.Context, id quality.BlendID) (quality.Blend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBlend(ctx, s.db, "id = ?", id)
}

func (s *Store) GetBlendByLot(ctx context.Context, lotID string) (quality.Blend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBlend(ctx, s.db, "lot_id = ?", lotID)
}

func (s *Store) ListBlends(ctx context.Context, filter quality.BlendFilter) ([]quality.Blend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBlends(ctx, s.db, filter)
}

func (s *Store) DeleteBlend(ctx context.Context, id quality.BlendID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteBlend(ctx, s.db, id)
}

func (s *Store) MaxSerial(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maxSerial(ctx, s.db)
}

const blendColumns = `id, serial, lot_id, status, items_json, total_units, total_weight,
	averages_json, target_json, notes, created_by, created_at`

// itemRecord is the JSON shape of a blend item and its frozen snapshot.
type itemRecord struct {
	Provenance  quality.Provenance            `json:"provenance"`
	Number      int                           `json:"number"`
	Units       int                           `json:"units"`
	Numeric     map[quality.Attribute]float64 `json:"numeric"`
	Categorical map[quality.Attribute]string  `json:"categorical,omitempty"`
	State       quality.UsageState            `json:"state"`
	ProducedAt  time.Time                     `json:"produced_at"`
	Supplier    string                        `json:"supplier,omitempty"`
}

type averagesRecord struct {
	Numeric     map[quality.Attribute]float64 `json:"numeric"`
	Categorical map[quality.Attribute]string  `json:"categorical"`
}

func saveBlend(ctx context.Context, q querier, b quality.Blend) error {
	items := make([]itemRecord, len(b.Items))
	for i, it := range b.Items {
		items[i] = itemRecord{
			Provenance:  it.Batch.Provenance,
			Number:      it.Batch.Number,
			Units:       it.Units,
			Numeric:     it.Snapshot.Numeric,
			Categorical: it.Snapshot.Categorical,
			State:       it.Snapshot.State,
			ProducedAt:  it.Snapshot.ProducedAt,
			Supplier:    it.Snapshot.Supplier,
		}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode blend items: %w", err)
	}
	averagesJSON, err := json.Marshal(averagesRecord(b.Totals.Averages))
	if err != nil {
		return fmt.Errorf("failed to encode blend averages: %w", err)
	}

	query := `INSERT INTO blends (` + blendColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query,
		b.ID,
		b.Serial,
		b.LotID,
		b.Status,
		string(itemsJSON),
		b.Totals.Units,
		b.Totals.Weight.String(),
		string(averagesJSON),
		nullString(string(b.Target)),
		nullString(b.Notes),
		nullString(b.CreatedBy),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "lot_id") {
			return quality.ErrDuplicateLotID
		}
		return fmt.Errorf("failed to save blend: %w", err)
	}
	return nil
}

func getBlend(ctx context.Context, q querier, where string, arg any) (quality.Blend, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blendColumns+` FROM blends WHERE `+where, arg)
	b, err := scanBlend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quality.Blend{}, quality.ErrBlendNotFound
	}
	return b, err
}

func listBlends(ctx context.Context, q querier, filter quality.BlendFilter) ([]quality.Blend, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.LotPrefix != "" {
		where = append(where, "substr(lot_id, 1, ?) = ?")
		args = append(args, len(filter.LotPrefix), filter.LotPrefix)
	}
	if filter.CreatedFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.CreatedFrom))
	}
	if filter.CreatedTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.CreatedTo))
	}

	query := `SELECT ` + blendColumns + ` FROM blends`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY serial DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blends: %w", err)
	}
	defer rows.Close()

	var blends []quality.Blend
	for rows.Next() {
		b, err := scanBlend(rows)
		if err != nil {
			return nil, err
		}
		blends = append(blends, b)
	}
	return blends, rows.Err()
}

func deleteBlend(ctx context.Context, q querier, id quality.BlendID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM blends WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete blend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return quality.ErrBlendNotFound
	}
	return nil
}

func maxSerial(ctx context.Context, q querier) (int64, error) {
	var max int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(serial), 0) FROM blends").Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read serial: %w", err)
	}
	return max, nil
}

func scanBlend(row scanner) (quality.Blend, error) {
	var (
		b            quality.Blend
		itemsJSON    string
		weight       string
		averagesJSON string
		targetJSON   sql.NullString
		notes        sql.NullString
		createdBy    sql.NullString
		createdAt    string
	)
	err := row.Scan(
		&b.ID, &b.Serial, &b.LotID, &b.Status, &itemsJSON, &b.Totals.Units, &weight,
		&averagesJSON, &targetJSON, &notes, &createdBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan blend: %w", err)
	}

	var items []itemRecord
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return b, fmt.Errorf("failed to decode items of blend %s: %w", b.ID, err)
	}
	b.Items = make([]quality.BlendItem, len(items))
	for i, it := range items {
		key := quality.BatchKey{Provenance: it.Provenance, Number: it.Number}
		b.Items[i] = quality.BlendItem{
			Batch: key,
			Units: it.Units,
			Snapshot: quality.Batch{
				Key:         key,
				Numeric:     it.Numeric,
				Categorical: it.Categorical,
				State:       it.State,
				ProducedAt:  it.ProducedAt,
				Supplier:    it.Supplier,
			},
		}
	}

	var avg averagesRecord
	if err := json.Unmarshal([]byte(averagesJSON), &avg); err != nil {
		return b, fmt.Errorf("failed to decode averages of blend %s: %w", b.ID, err)
	}
	b.Totals.Averages = quality.Averages(avg)
	b.Totals.Weight, err = decimal.NewFromString(weight)
	if err != nil {
		return b, fmt.Errorf("failed to parse weight of blend %s: %w", b.ID, err)
	}

	if targetJSON.Valid {
		b.Target = []byte(targetJSON.String)
	}
	b.Notes = notes.String
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(sql.NullString{String: createdAt, Valid: true})
	return b, nil
}

// =============================================================================
// TRANSACTIONAL STORE (quality.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store quality.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. The parent's write
// lock is already held, so it never touches the mutex.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveBatch(ctx context.Context, b quality.Batch) error {
	return saveBatch(ctx, ts.tx, b)
}

func (ts *txStore) GetBatch(ctx context.Context, key quality.BatchKey) (quality.Batch, error) {
	return getBatch(ctx, ts.tx, key)
}

func (ts *txStore) ListBatches(ctx context.Context, filter quality.BatchFilter) ([]quality.Batch, error) {
	return listBatches(ctx, ts.tx, filter)
}

func (ts *txStore) NextBatchNumber(ctx context.Context, p quality.Provenance) (int, error) {
	return nextBatchNumber(ctx, ts.tx, p)
}

func (ts *txStore) SaveBlend(ctx context.Context, b quality.Blend) error {
	return saveBlend(ctx, ts.tx, b)
}

func (ts *txStore) GetBlend(ctx context.Context, id quality.BlendID) (quality.Blend, error) {
	return getBlend(ctx, ts.tx, "id = ?", id)
}

func (ts *txStore) GetBlendByLot(ctx context.Context, lotID string) (quality.Blend, error) {
	return getBlend(ctx, ts.tx, "lot_id = ?", lotID)
}

func (ts *txStore) ListBlends(ctx context.Context, filter quality.BlendFilter) ([]quality.Blend, error) {
	return listBlends(ctx, ts.tx, filter)
}

func (ts *txStore) DeleteBlend(ctx context.Context, id quality.BlendID) error {
	return deleteBlend(ctx, ts.tx, id)
}

func (ts *txStore) MaxSerial(ctx context.Context) (int64, error) {
	return maxSerial(ctx, ts.tx)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"blends", "batches"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s.String)
	}
	return t
}

func nonNilNumeric(m map[quality.Attribute]float64) map[quality.Attribute]float64 {
	if m == nil {
		return map[quality.Attribute]float64{}
	}
	return m
}

func nonNilCategorical(m map[quality.Attribute]string) map[quality.Attribute]string {
	if m == nil {
		return map[quality.Attribute]string{}
	}
	return m
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
