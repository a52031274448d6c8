package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsStore backs the TableStore contract with one Google spreadsheet:
// one worksheet per employee ledger plus the team directory worksheet.
// The remote service has no multi-cell transactions and only eventual
// read-your-writes consistency; callers compensate with idempotent,
// re-derivable operations.
type SheetsStore struct {
	spreadsheetID string
	layout        Layout
	svc           *sheets.Service
}

// SheetsOptions configures the Sheets backend. ClientOptions is used by
// tests to point the service at a local fake endpoint.
type SheetsOptions struct {
	SpreadsheetID   string
	CredentialsFile string
	Layout          Layout
	ClientOptions   []option.ClientOption
}

func NewSheetsStore(ctx context.Context, opts SheetsOptions) (*SheetsStore, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, fmt.Errorf("%w: spreadsheet id is required", ErrInvalidInput)
	}
	clientOpts := opts.ClientOptions
	if clientOpts == nil {
		if strings.TrimSpace(opts.CredentialsFile) == "" {
			return nil, fmt.Errorf("%w: credentials file is required", ErrInvalidInput)
		}
		keyJSON, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("sheets credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, keyJSON, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("sheets credentials: %w", err)
		}
		clientOpts = []option.ClientOption{
			option.WithTokenSource(creds.TokenSource),
			option.WithScopes(sheets.SpreadsheetsScope),
		}
	}
	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &SheetsStore{
		spreadsheetID: opts.SpreadsheetID,
		layout:        opts.Layout,
		svc:           svc,
	}, nil
}

// quoteSheetTitle wraps a worksheet title for use in an A1 range.
func quoteSheetTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// tableRange is the open-ended A1 range of a table, header included.
func (s *SheetsStore) tableRange(ledgerID string, kind TableKind) (string, error) {
	col, row, err := ParseCellRef(s.layout.Origin(kind))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s!%s%d:%s",
		quoteSheetTitle(ledgerID), ColumnLabel(col), row+1, ColumnLabel(col+TableWidth-1)), nil
}

// rowRange addresses one physical row of a table. physicalRow counts
// from the table origin, 0 being the header.
func (s *SheetsStore) rowRange(ledgerID string, kind TableKind, physicalRow int) (string, error) {
	col, row, err := ParseCellRef(s.layout.Origin(kind))
	if err != nil {
		return "", err
	}
	n := row + physicalRow + 1
	return fmt.Sprintf("%s!%s%d:%s%d",
		quoteSheetTitle(ledgerID), ColumnLabel(col), n, ColumnLabel(col+TableWidth-1), n), nil
}

// missingSheet classifies the API error raised when a range references
// a worksheet that does not exist.
func missingSheet(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 400 && strings.Contains(apiErr.Message, "Unable to parse range")
}

func cellsToStrings(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func (s *SheetsStore) readRange(ctx context.Context, rangeA1 string) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		if missingSheet(err) {
			return nil, fmt.Errorf("%w: range %s", ErrNotFound, rangeA1)
		}
		return nil, err
	}
	rows := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		rows = append(rows, cellsToStrings(row))
	}
	return rows, nil
}

func (s *SheetsStore) writeRange(ctx context.Context, rangeA1 string, values []string) error {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rangeA1, &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *SheetsStore) ReadTable(ctx context.Context, ledgerID string, kind TableKind) (Table, error) {
	rangeA1, err := s.tableRange(ledgerID, kind)
	if err != nil {
		return Table{}, err
	}
	rows, err := s.readRange(ctx, rangeA1)
	if err != nil {
		return Table{}, err
	}
	if len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: ledger %s table %s", ErrNotFound, ledgerID, kind)
	}
	return Table{Header: rows[0], Rows: rows[1:]}, nil
}

func (s *SheetsStore) AppendRow(ctx context.Context, ledgerID string, kind TableKind, values []string) error {
	rangeA1, err := s.tableRange(ledgerID, kind)
	if err != nil {
		return err
	}
	rows, err := s.readRange(ctx, rangeA1)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) || len(rows) == 0 {
		if err := s.EnsureLedger(ctx, ledgerID); err != nil {
			return err
		}
		rows = [][]string{s.layout.Header(kind)}
	}
	target, err := s.rowRange(ledgerID, kind, len(rows))
	if err != nil {
		return err
	}
	return s.writeRange(ctx, target, normalizeRow(values, TableWidth))
}

func (s *SheetsStore) UpdateRow(ctx context.Context, ledgerID string, kind TableKind, rowIndex int, values []string) error {
	if rowIndex < 0 {
		return fmt.Errorf("%w: row %d out of range", ErrInvalidInput, rowIndex)
	}
	target, err := s.rowRange(ledgerID, kind, rowIndex+1)
	if err != nil {
		return err
	}
	if err := s.writeRange(ctx, target, normalizeRow(values, TableWidth)); err != nil {
		if missingSheet(err) {
			return fmt.Errorf("%w: ledger %s", ErrNotFound, ledgerID)
		}
		return err
	}
	return nil
}

func (s *SheetsStore) EnsureLedger(ctx context.Context, ledgerID string) error {
	exists, err := s.LedgerExists(ctx, ledgerID)
	if err != nil {
		return err
	}
	if !exists {
		_, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: ledgerID},
				},
			}},
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
	}
	// Both tables are provisioned together so a ledger is never left
	// half-initialized. Headers are only written where absent: an
	// existing sheet may carry its own physical column order, and
	// rewriting its header row would remap every data row beneath it.
	for _, kind := range []TableKind{TableTasks, TableReports} {
		target, err := s.rowRange(ledgerID, kind, 0)
		if err != nil {
			return err
		}
		if exists {
			rows, err := s.readRange(ctx, target)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if len(rows) > 0 && len(rows[0]) > 0 {
				continue
			}
		}
		if err := s.writeRange(ctx, target, s.layout.Header(kind)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SheetsStore) LedgerExists(ctx context.Context, ledgerID string) (bool, error) {
	meta, err := s.svc.Spreadsheets.Get(s.spreadsheetID).
		Fields(googleapi.Field("sheets.properties.title")).Context(ctx).Do()
	if err != nil {
		return false, err
	}
	for _, sheet := range meta.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == ledgerID {
			return true, nil
		}
	}
	return false, nil
}

func (s *SheetsStore) ReadSheet(ctx context.Context, sheetName string) (Table, error) {
	rows, err := s.readRange(ctx, quoteSheetTitle(sheetName))
	if err != nil {
		return Table{}, err
	}
	if len(rows) == 0 {
		return Table{}, fmt.Errorf("%w: sheet %s", ErrNotFound, sheetName)
	}
	return Table{Header: rows[0], Rows: rows[1:]}, nil
}

func (s *SheetsStore) Close() error { return nil }
