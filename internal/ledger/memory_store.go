package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps ledgers and auxiliary sheets in process memory. It
// backs the memory:// DSN and every store-level test.
type MemoryStore struct {
	mu     sync.RWMutex
	layout Layout
	tables map[string]map[TableKind][][]string
	sheets map[string][][]string
}

func NewMemoryStore(layout Layout) *MemoryStore {
	return &MemoryStore{
		layout: layout,
		tables: map[string]map[TableKind][][]string{},
		sheets: map[string][][]string{},
	}
}

// SetSheet replaces an auxiliary sheet wholesale, header row first.
// Used to seed the team directory.
func (s *MemoryStore) SetSheet(name string, rows [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([][]string, len(rows))
	for i, row := range rows {
		copied[i] = append([]string(nil), row...)
	}
	s.sheets[name] = copied
}

// SetTableHeader overrides one table's header row, bypassing the layout
// defaults. Lets tests exercise sheets whose physical column order
// deviates from configuration.
func (s *MemoryStore) SetTableHeader(ledgerID string, kind TableKind, header []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(ledgerID)
	s.tables[ledgerID][kind] = [][]string{append([]string(nil), header...)}
}

func (s *MemoryStore) ensureLocked(ledgerID string) {
	if _, ok := s.tables[ledgerID]; ok {
		return
	}
	s.tables[ledgerID] = map[TableKind][][]string{
		TableTasks:   {append([]string(nil), s.layout.Header(TableTasks)...)},
		TableReports: {append([]string(nil), s.layout.Header(TableReports)...)},
	}
}

func (s *MemoryStore) ReadTable(ctx context.Context, ledgerID string, kind TableKind) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds, ok := s.tables[ledgerID]
	if !ok {
		return Table{}, fmt.Errorf("%w: ledger %s", ErrNotFound, ledgerID)
	}
	rows, ok := kinds[kind]
	if !ok || len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: ledger %s table %s", ErrNotFound, ledgerID, kind)
	}
	out := Table{Header: append([]string(nil), rows[0]...)}
	for _, row := range rows[1:] {
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	return out, nil
}

func (s *MemoryStore) AppendRow(ctx context.Context, ledgerID string, kind TableKind, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(ledgerID)
	rows := s.tables[ledgerID][kind]
	s.tables[ledgerID][kind] = append(rows, normalizeRow(values, len(rows[0])))
	return nil
}

func (s *MemoryStore) UpdateRow(ctx context.Context, ledgerID string, kind TableKind, rowIndex int, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds, ok := s.tables[ledgerID]
	if !ok {
		return fmt.Errorf("%w: ledger %s", ErrNotFound, ledgerID)
	}
	rows := kinds[kind]
	if rowIndex < 0 || rowIndex+1 >= len(rows) {
		return fmt.Errorf("%w: row %d out of range", ErrInvalidInput, rowIndex)
	}
	rows[rowIndex+1] = normalizeRow(values, len(rows[0]))
	return nil
}

func (s *MemoryStore) EnsureLedger(ctx context.Context, ledgerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(ledgerID)
	return nil
}

func (s *MemoryStore) LedgerExists(ctx context.Context, ledgerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[ledgerID]
	return ok, nil
}

func (s *MemoryStore) ReadSheet(ctx context.Context, sheetName string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.sheets[sheetName]
	if !ok || len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: sheet %s", ErrNotFound, sheetName)
	}
	out := Table{Header: append([]string(nil), rows[0]...)}
	for _, row := range rows[1:] {
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
