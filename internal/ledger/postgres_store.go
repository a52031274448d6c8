package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRowsTableName    = "reportbot_rows"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps ledgers in a single relational table keyed by
// (sheet_key, row_index); row 0 of each key is the header. The embedded
// database preserves the name-indexed-column contract of the
// spreadsheet backend.
type PostgresStore struct {
	dsn       string
	tableName string
	layout    Layout
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, layout Layout) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRowsTableName,
		layout:    layout,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				sheet_key TEXT NOT NULL,
				row_index INTEGER NOT NULL,
				cells TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (sheet_key, row_index)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func tableSheetKey(ledgerID string, kind TableKind) string {
	return "ledger/" + ledgerID + "/" + string(kind)
}

func auxSheetKey(sheetName string) string {
	return "sheet/" + sheetName
}

func (s *PostgresStore) readRows(ctx context.Context, sheetKey string) ([][]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT cells FROM %s WHERE sheet_key = $1 ORDER BY row_index ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.db.QueryContext(ctx, query, sheetKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cells []string
		if err := json.Unmarshal([]byte(payload), &cells); err != nil {
			return nil, err
		}
		out = append(out, cells)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReadTable(ctx context.Context, ledgerID string, kind TableKind) (Table, error) {
	rows, err := s.readRows(ctx, tableSheetKey(ledgerID, kind))
	if err != nil {
		return Table{}, err
	}
	if len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: ledger %s table %s", ErrNotFound, ledgerID, kind)
	}
	return Table{Header: rows[0], Rows: rows[1:]}, nil
}

func (s *PostgresStore) AppendRow(ctx context.Context, ledgerID string, kind TableKind, values []string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if err := s.EnsureLedger(ctx, ledgerID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	sheetKey := tableSheetKey(ledgerID, kind)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresSheetLockKey(sheetKey)); err != nil {
		return err
	}
	var next int
	nextQuery := fmt.Sprintf(
		"SELECT COALESCE(MAX(row_index), 0) + 1 FROM %s WHERE sheet_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	if err := tx.QueryRowContext(ctx, nextQuery, sheetKey).Scan(&next); err != nil {
		return err
	}
	payload, err := json.Marshal(normalizeRow(values, TableWidth))
	if err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (sheet_key, row_index, cells) VALUES ($1, $2, $3)",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, sheetKey, next, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) UpdateRow(ctx context.Context, ledgerID string, kind TableKind, rowIndex int, values []string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if rowIndex < 0 {
		return fmt.Errorf("%w: row %d out of range", ErrInvalidInput, rowIndex)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	payload, err := json.Marshal(normalizeRow(values, TableWidth))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET cells = $1, updated_at = NOW() WHERE sheet_key = $2 AND row_index = $3",
		postgresQuoteIdentifier(s.tableName),
	)
	result, err := s.db.ExecContext(ctx, query, string(payload), tableSheetKey(ledgerID, kind), rowIndex+1)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: row %d out of range", ErrInvalidInput, rowIndex)
	}
	return nil
}

func (s *PostgresStore) EnsureLedger(ctx context.Context, ledgerID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (sheet_key, row_index, cells) VALUES ($1, 0, $2) ON CONFLICT (sheet_key, row_index) DO NOTHING",
		postgresQuoteIdentifier(s.tableName),
	)
	for _, kind := range []TableKind{TableTasks, TableReports} {
		header, err := json.Marshal(s.layout.Header(kind))
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, tableSheetKey(ledgerID, kind), string(header)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) LedgerExists(ctx context.Context, ledgerID string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE sheet_key = $1 AND row_index = 0",
		postgresQuoteIdentifier(s.tableName),
	)
	var one int
	err := s.db.QueryRowContext(ctx, query, tableSheetKey(ledgerID, TableTasks)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ReadSheet(ctx context.Context, sheetName string) (Table, error) {
	rows, err := s.readRows(ctx, auxSheetKey(sheetName))
	if err != nil {
		return Table{}, err
	}
	if len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: sheet %s", ErrNotFound, sheetName)
	}
	return Table{Header: rows[0], Rows: rows[1:]}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresSheetLockKey(sheetKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(sheetKey))
	return int64(hasher.Sum64())
}
