// Package recon reconciles an employee's ledger: which tasks are still
// open, which have no report for a given day, and whether the day's
// reporting is complete.
package recon

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/biamino/reportbot/internal/ledger"
)

// DateFormat is the wall-calendar day format used in every ledger cell.
const DateFormat = "02.01.2006"

// DueSoonWindow is how far ahead the deadline sweep looks.
const DueSoonWindow = 12 * time.Hour

// Engine answers reconciliation queries against one table store. Read
// paths fail open: a ledger that cannot be read is reported as if it
// held nothing, so one broken sheet never stalls a sweep over the whole
// team.
type Engine struct {
	store  ledger.TableStore
	layout ledger.Layout
	logger *log.Logger
}

type Options struct {
	Store  ledger.TableStore
	Layout ledger.Layout
	Logger *log.Logger
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{store: opts.Store, layout: opts.Layout, logger: logger}
}

// Day renders a time as a ledger date cell.
func Day(t time.Time) string {
	return t.Format(DateFormat)
}

func (e *Engine) tasks(ctx context.Context, employeeID string) ([]ledger.TaskRecord, bool) {
	table, err := e.store.ReadTable(ctx, employeeID, ledger.TableTasks)
	if err != nil {
		e.logger.Printf("recon: read tasks for %s: %v", employeeID, err)
		return nil, false
	}
	records, err := ledger.DecodeTasks(e.layout.Tasks, table)
	if err != nil {
		e.logger.Printf("recon: decode tasks for %s: %v", employeeID, err)
		return nil, false
	}
	return records, true
}

func (e *Engine) reports(ctx context.Context, employeeID string) ([]ledger.ReportRecord, bool) {
	table, err := e.store.ReadTable(ctx, employeeID, ledger.TableReports)
	if err != nil {
		e.logger.Printf("recon: read reports for %s: %v", employeeID, err)
		return nil, false
	}
	records, err := ledger.DecodeReports(e.layout.Reports, table)
	if err != nil {
		e.logger.Printf("recon: decode reports for %s: %v", employeeID, err)
		return nil, false
	}
	return records, true
}

// ActiveTasks lists the employee's tasks not yet marked completed, in
// ledger order.
func (e *Engine) ActiveTasks(ctx context.Context, employeeID string) []ledger.TaskRecord {
	records, ok := e.tasks(ctx, employeeID)
	if !ok {
		return nil
	}
	var active []ledger.TaskRecord
	for _, rec := range records {
		if !rec.Completed {
			active = append(active, rec)
		}
	}
	return active
}

// TasksWithoutReport lists active tasks lacking a filled report for the
// given day. A filled general report covers the whole day, so its
// presence empties the result regardless of per-task reports.
func (e *Engine) TasksWithoutReport(ctx context.Context, employeeID, date string) []ledger.TaskRecord {
	active := e.ActiveTasks(ctx, employeeID)
	if len(active) == 0 {
		return nil
	}
	reports, ok := e.reports(ctx, employeeID)
	if !ok {
		reports = nil
	}
	covered := map[string]bool{}
	for _, rep := range reports {
		if rep.Date != date || !rep.Filled() {
			continue
		}
		if rep.General() {
			return nil
		}
		covered[rep.TaskID] = true
	}
	var missing []ledger.TaskRecord
	for _, task := range active {
		if !covered[task.ID] {
			missing = append(missing, task)
		}
	}
	return missing
}

// IsReportComplete reports whether the employee's day is fully covered:
// either a filled general report exists, or every active task carries a
// filled report. An employee with no active tasks is vacuously
// complete. Read failures count as complete so a broken ledger does not
// trigger reminder spam.
func (e *Engine) IsReportComplete(ctx context.Context, employeeID, date string) bool {
	records, ok := e.tasks(ctx, employeeID)
	if !ok {
		return true
	}
	reports, repOK := e.reports(ctx, employeeID)
	if !repOK {
		return true
	}
	covered := map[string]bool{}
	general := false
	for _, rep := range reports {
		if rep.Date != date || !rep.Filled() {
			continue
		}
		if rep.General() {
			general = true
			continue
		}
		covered[rep.TaskID] = true
	}
	if general {
		return true
	}
	var active []ledger.TaskRecord
	for _, rec := range records {
		if !rec.Completed {
			active = append(active, rec)
		}
	}
	for _, task := range active {
		if !covered[task.ID] {
			return false
		}
	}
	return true
}

// HasFilledReport reports whether the employee already submitted a
// filled report row for the day. Unlike IsReportComplete it is never
// vacuously true: an employee with no ledger or no report rows has not
// submitted anything, so the collection dialog may start.
func (e *Engine) HasFilledReport(ctx context.Context, employeeID, date string) bool {
	reports, ok := e.reports(ctx, employeeID)
	if !ok {
		return false
	}
	for _, rep := range reports {
		if rep.Date == date && rep.Filled() {
			return true
		}
	}
	return false
}

// TasksWithDeadline lists active tasks whose deadline cell equals date
// exactly. The match is on the rendered string, so only deadlines
// written in the standard day format fire.
func (e *Engine) TasksWithDeadline(ctx context.Context, employeeID, date string) []ledger.TaskRecord {
	var due []ledger.TaskRecord
	for _, task := range e.ActiveTasks(ctx, employeeID) {
		if task.DueDate == date {
			due = append(due, task)
		}
	}
	return due
}

// TasksDueSoon is TasksWithDeadline for the day DueSoonWindow ahead of
// now, the deadline sweep's query.
func (e *Engine) TasksDueSoon(ctx context.Context, employeeID string, now time.Time) []ledger.TaskRecord {
	return e.TasksWithDeadline(ctx, employeeID, Day(now.Add(DueSoonWindow)))
}

// SaveReport upserts a report keyed by (date, task id). The employee's
// ledger is provisioned if it does not exist yet: the report write is
// the one path that creates ledgers implicitly.
func (e *Engine) SaveReport(ctx context.Context, employeeID string, rec ledger.ReportRecord) error {
	if strings.TrimSpace(rec.Date) == "" {
		return fmt.Errorf("%w: report date is empty", ledger.ErrInvalidInput)
	}
	if err := e.store.EnsureLedger(ctx, employeeID); err != nil {
		return fmt.Errorf("ensure ledger %s: %w", employeeID, err)
	}
	table, err := e.store.ReadTable(ctx, employeeID, ledger.TableReports)
	if err != nil {
		return fmt.Errorf("read reports for %s: %w", employeeID, err)
	}
	existing, err := ledger.DecodeReports(e.layout.Reports, table)
	if err != nil {
		return err
	}
	row, err := ledger.EncodeReport(e.layout.Reports, table.Header, rec)
	if err != nil {
		return err
	}
	key := strings.TrimSpace(rec.TaskID)
	for _, prev := range existing {
		if prev.Date == rec.Date && strings.TrimSpace(prev.TaskID) == key {
			return e.store.UpdateRow(ctx, employeeID, ledger.TableReports, prev.Row, row)
		}
	}
	return e.store.AppendRow(ctx, employeeID, ledger.TableReports, row)
}

// MarkTaskCompleted flips one task's completed cell in place. Unknown
// ids return ErrNotFound.
func (e *Engine) MarkTaskCompleted(ctx context.Context, employeeID, taskID string) error {
	table, err := e.store.ReadTable(ctx, employeeID, ledger.TableTasks)
	if err != nil {
		return fmt.Errorf("read tasks for %s: %w", employeeID, err)
	}
	records, err := ledger.DecodeTasks(e.layout.Tasks, table)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID != taskID {
			continue
		}
		rec.Completed = true
		row, err := ledger.EncodeTask(e.layout.Tasks, table.Header, rec)
		if err != nil {
			return err
		}
		return e.store.UpdateRow(ctx, employeeID, ledger.TableTasks, rec.Row, row)
	}
	return fmt.Errorf("%w: task %s in ledger %s", ledger.ErrNotFound, taskID, employeeID)
}

// TaskByID fetches one active or completed task.
func (e *Engine) TaskByID(ctx context.Context, employeeID, taskID string) (ledger.TaskRecord, bool) {
	records, ok := e.tasks(ctx, employeeID)
	if !ok {
		return ledger.TaskRecord{}, false
	}
	for _, rec := range records {
		if rec.ID == taskID {
			return rec, true
		}
	}
	return ledger.TaskRecord{}, false
}
