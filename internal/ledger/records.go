package ledger

import (
	"fmt"
	"strings"
)

// completedMark is written to the completed cell for finished tasks.
// Decoding accepts any non-empty trimmed value, since the cell is also
// toggled by hand in the spreadsheet.
const completedMark = "да"

// TaskRecord is one row of a ledger's Tasks table. Row is the zero-based
// data row index the record was decoded from, addressable by UpdateRow.
type TaskRecord struct {
	Row         int
	AddedDate   string
	ID          string
	Description string
	DueDate     string
	Completed   bool
}

// ReportRecord is one row of a ledger's Reports table. An empty TaskID
// marks a general report covering the whole day.
type ReportRecord struct {
	Row          int
	Date         string
	TaskID       string
	Feedback     string
	Difficulties string
	Summary      string
}

// General reports a whole-day entry with no task binding.
func (r ReportRecord) General() bool {
	return strings.TrimSpace(r.TaskID) == ""
}

// Filled reports whether all three text fields carry content after
// trimming, the completeness bar for a task-specific report.
func (r ReportRecord) Filled() bool {
	return strings.TrimSpace(r.Feedback) != "" &&
		strings.TrimSpace(r.Difficulties) != "" &&
		strings.TrimSpace(r.Summary) != ""
}

type taskColumns struct {
	date, id, task, deadline, completed int
}

func resolveTaskColumns(layout TasksLayout, header []string) (taskColumns, error) {
	var cols taskColumns
	var ok bool
	if cols.date, ok = ResolveColumn(header, layout.DateCol); !ok {
		return cols, schemaErr(layout.DateCol)
	}
	if cols.id, ok = ResolveColumn(header, layout.IDCol); !ok {
		return cols, schemaErr(layout.IDCol)
	}
	if cols.task, ok = ResolveColumn(header, layout.TaskCol); !ok {
		return cols, schemaErr(layout.TaskCol)
	}
	if cols.deadline, ok = ResolveColumn(header, layout.DeadlineCol); !ok {
		return cols, schemaErr(layout.DeadlineCol)
	}
	if cols.completed, ok = ResolveColumn(header, layout.CompletedCol); !ok {
		return cols, schemaErr(layout.CompletedCol)
	}
	return cols, nil
}

type reportColumns struct {
	date, taskID, feedback, difficulties, summary int
}

func resolveReportColumns(layout ReportsLayout, header []string) (reportColumns, error) {
	var cols reportColumns
	var ok bool
	if cols.date, ok = ResolveColumn(header, layout.DateCol); !ok {
		return cols, schemaErr(layout.DateCol)
	}
	if cols.taskID, ok = ResolveColumn(header, layout.TaskIDCol); !ok {
		return cols, schemaErr(layout.TaskIDCol)
	}
	if cols.feedback, ok = ResolveColumn(header, layout.FeedbackCol); !ok {
		return cols, schemaErr(layout.FeedbackCol)
	}
	if cols.difficulties, ok = ResolveColumn(header, layout.DifficultiesCol); !ok {
		return cols, schemaErr(layout.DifficultiesCol)
	}
	if cols.summary, ok = ResolveColumn(header, layout.SummaryCol); !ok {
		return cols, schemaErr(layout.SummaryCol)
	}
	return cols, nil
}

func schemaErr(column string) error {
	return fmt.Errorf("%w: column %q not found in header", ErrSchema, column)
}

// DecodeTasks maps a raw Tasks table into records, resolving columns by
// configured name. Fully empty rows are skipped; short rows read as
// empty cells.
func DecodeTasks(layout TasksLayout, table Table) ([]TaskRecord, error) {
	cols, err := resolveTaskColumns(layout, table.Header)
	if err != nil {
		return nil, err
	}
	records := make([]TaskRecord, 0, len(table.Rows))
	for i := range table.Rows {
		rec := TaskRecord{
			Row:         i,
			AddedDate:   table.Cell(i, cols.date),
			ID:          strings.TrimSpace(table.Cell(i, cols.id)),
			Description: strings.TrimSpace(table.Cell(i, cols.task)),
			DueDate:     strings.TrimSpace(table.Cell(i, cols.deadline)),
			Completed:   strings.TrimSpace(table.Cell(i, cols.completed)) != "",
		}
		if rec.ID == "" && rec.Description == "" && rec.AddedDate == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// EncodeTask lays a record out under a header row, honoring whatever
// physical column order the sheet already has.
func EncodeTask(layout TasksLayout, header []string, rec TaskRecord) ([]string, error) {
	cols, err := resolveTaskColumns(layout, header)
	if err != nil {
		return nil, err
	}
	row := make([]string, len(header))
	row[cols.date] = rec.AddedDate
	row[cols.id] = rec.ID
	row[cols.task] = rec.Description
	row[cols.deadline] = rec.DueDate
	if rec.Completed {
		row[cols.completed] = completedMark
	}
	return row, nil
}

// DecodeReports maps a raw Reports table into records.
func DecodeReports(layout ReportsLayout, table Table) ([]ReportRecord, error) {
	cols, err := resolveReportColumns(layout, table.Header)
	if err != nil {
		return nil, err
	}
	records := make([]ReportRecord, 0, len(table.Rows))
	for i := range table.Rows {
		rec := ReportRecord{
			Row:          i,
			Date:         strings.TrimSpace(table.Cell(i, cols.date)),
			TaskID:       strings.TrimSpace(table.Cell(i, cols.taskID)),
			Feedback:     table.Cell(i, cols.feedback),
			Difficulties: table.Cell(i, cols.difficulties),
			Summary:      table.Cell(i, cols.summary),
		}
		if rec.Date == "" && rec.TaskID == "" && strings.TrimSpace(rec.Summary) == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// EncodeReport lays a record out under a header row.
func EncodeReport(layout ReportsLayout, header []string, rec ReportRecord) ([]string, error) {
	cols, err := resolveReportColumns(layout, header)
	if err != nil {
		return nil, err
	}
	row := make([]string, len(header))
	row[cols.date] = rec.Date
	row[cols.taskID] = rec.TaskID
	row[cols.feedback] = rec.Feedback
	row[cols.difficulties] = rec.Difficulties
	row[cols.summary] = rec.Summary
	return row, nil
}
