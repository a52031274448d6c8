package ledger

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSchema         = errors.New("schema mismatch")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// TableKind names one of the two logical tables on an employee ledger.
type TableKind string

const (
	TableTasks   TableKind = "tasks"
	TableReports TableKind = "reports"
)

// TableWidth is the fixed column count of both ledger tables.
const TableWidth = 5

// Table is a raw header-indexed read of one ledger table. Rows does not
// include the header row; cells are untyped strings and may be shorter
// than the header for trailing-empty rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Cell returns the value at (row, col), or "" when the row is shorter
// than the header. Short rows are never an error.
func (t Table) Cell(row, col int) string {
	if row < 0 || row >= len(t.Rows) {
		return ""
	}
	cells := t.Rows[row]
	if col < 0 || col >= len(cells) {
		return ""
	}
	return cells[col]
}

// ResolveColumn locates a configured column name in a header row.
// Column identity is by name, never by physical position.
func ResolveColumn(header []string, name string) (int, bool) {
	name = strings.TrimSpace(name)
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i, true
		}
	}
	return 0, false
}

// TableStore is the row store behind employee ledgers: one sheet per
// employee holding the Tasks and Reports tables at configured origins,
// plus free-form auxiliary sheets (the team directory). Implementations
// are remote tabular services or local stand-ins; none offer multi-cell
// transactions, so callers keep operations idempotent and re-derivable.
//
// UpdateRow addresses data rows: index 0 is the first row after the
// header. A ledger that does not exist is provisioned implicitly on the
// first write, with both tables' headers written in one step.
type TableStore interface {
	ReadTable(ctx context.Context, ledgerID string, kind TableKind) (Table, error)
	AppendRow(ctx context.Context, ledgerID string, kind TableKind, values []string) error
	UpdateRow(ctx context.Context, ledgerID string, kind TableKind, rowIndex int, values []string) error
	EnsureLedger(ctx context.Context, ledgerID string) error
	LedgerExists(ctx context.Context, ledgerID string) (bool, error)
	ReadSheet(ctx context.Context, sheetName string) (Table, error)
	Close() error
}

// normalizeRow pads or truncates values to the table width so every
// stored row has a stable shape.
func normalizeRow(values []string, width int) []string {
	row := make([]string, width)
	copy(row, values)
	return row
}
