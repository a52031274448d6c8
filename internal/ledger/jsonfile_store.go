package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type persistedLedgers struct {
	Tables map[string]map[TableKind][][]string `json:"tables"`
	Sheets map[string][][]string               `json:"sheets,omitempty"`
}

// JSONFileStore is a durable-local TableStore: the whole ledger set is
// held in memory and snapshotted to a JSON file after every mutation,
// written atomically via a temp file and rename.
type JSONFileStore struct {
	mu   sync.Mutex
	mem  *MemoryStore
	path string
}

func NewJSONFileStore(path string, layout Layout) (*JSONFileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &JSONFileStore{mem: NewMemoryStore(layout), path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot persistedLedgers
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Tables != nil {
		s.mem.tables = snapshot.Tables
	}
	if snapshot.Sheets != nil {
		s.mem.sheets = snapshot.Sheets
	}
	return nil
}

func (s *JSONFileStore) save() error {
	s.mem.mu.RLock()
	snapshot := persistedLedgers{Tables: s.mem.tables, Sheets: s.mem.sheets}
	data, err := json.Marshal(snapshot)
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONFileStore) ReadTable(ctx context.Context, ledgerID string, kind TableKind) (Table, error) {
	return s.mem.ReadTable(ctx, ledgerID, kind)
}

func (s *JSONFileStore) AppendRow(ctx context.Context, ledgerID string, kind TableKind, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.AppendRow(ctx, ledgerID, kind, values); err != nil {
		return err
	}
	return s.save()
}

func (s *JSONFileStore) UpdateRow(ctx context.Context, ledgerID string, kind TableKind, rowIndex int, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.UpdateRow(ctx, ledgerID, kind, rowIndex, values); err != nil {
		return err
	}
	return s.save()
}

func (s *JSONFileStore) EnsureLedger(ctx context.Context, ledgerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.EnsureLedger(ctx, ledgerID); err != nil {
		return err
	}
	return s.save()
}

func (s *JSONFileStore) LedgerExists(ctx context.Context, ledgerID string) (bool, error) {
	return s.mem.LedgerExists(ctx, ledgerID)
}

func (s *JSONFileStore) ReadSheet(ctx context.Context, sheetName string) (Table, error) {
	return s.mem.ReadSheet(ctx, sheetName)
}

func (s *JSONFileStore) Close() error { return nil }
