package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkantrust/payment-reconciler/models"
)

// SQLiteLedger is a Ledger backed by SQLite, for deployments that want the
// audit trail queryable with SQL.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger opens (or creates) the ledger database at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	// Immediate transactions take the write lock on BEGIN, which gives WithTx
	// the same single-writer guarantee BoltDB has.
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	l := &SQLiteLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			charge_id TEXT NOT NULL,
			order_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			card_last_digits TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_charge ON ledger_entries(charge_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Entries returns the ledger entries of a charge in append order.
func (l *SQLiteLedger) Entries(chargeID string) ([]models.LedgerEntry, error) {
	return sqliteLedgerTx{q: l.db}.Entries(chargeID)
}

// Append inserts one immutable entry.
func (l *SQLiteLedger) Append(e *models.LedgerEntry) error {
	return sqliteLedgerTx{q: l.db, now: l.now()}.Append(e)
}

// WithTx runs fn inside one immediate transaction and commits when fn
// returns nil.
func (l *SQLiteLedger) WithTx(fn func(tx LedgerTx) error) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(sqliteLedgerTx{q: tx, now: l.now()}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

type sqliteLedgerTx struct {
	q   querier
	now time.Time
}

func (t sqliteLedgerTx) Entries(chargeID string) ([]models.LedgerEntry, error) {
	rows, err := t.q.Query(`
		SELECT id, charge_id, order_id, type, source, source_type, amount, card_last_digits, created_at
		FROM ledger_entries WHERE charge_id = ? ORDER BY seq`, chargeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e         models.LedgerEntry
			typ, src  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ChargeID, &e.OrderID, &typ, &src, &e.SourceType, &e.Amount, &e.CardLastDigits, &createdAt); err != nil {
			return nil, err
		}
		e.Type = models.EntryType(typ)
		e.Source = models.Source(src)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t sqliteLedgerTx) Append(e *models.LedgerEntry) error {
	if err := stamp(e, t.now); err != nil {
		return err
	}
	_, err := t.q.Exec(`
		INSERT INTO ledger_entries (id, charge_id, order_id, type, source, source_type, amount, card_last_digits, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChargeID, e.OrderID, string(e.Type), string(e.Source), e.SourceType, e.Amount, e.CardLastDigits,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}
