package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TasksLayout positions the Tasks table and names its columns. Names are
// configurable so a deployment can localize the spreadsheet headers
// without code changes; lookups always go through the header row.
type TasksLayout struct {
	Origin       string `json:"origin"`
	DateCol      string `json:"dateCol"`
	IDCol        string `json:"idCol"`
	TaskCol      string `json:"taskCol"`
	DeadlineCol  string `json:"deadlineCol"`
	CompletedCol string `json:"completedCol"`
}

type ReportsLayout struct {
	Origin          string `json:"origin"`
	DateCol         string `json:"dateCol"`
	TaskIDCol       string `json:"taskIdCol"`
	FeedbackCol     string `json:"feedbackCol"`
	DifficultiesCol string `json:"difficultiesCol"`
	SummaryCol      string `json:"summaryCol"`
}

// DirectoryLayout describes the team directory sheet. The directory is
// maintained externally; the service only reads it.
type DirectoryLayout struct {
	Sheet        string `json:"sheet"`
	IDCol        string `json:"idCol"`
	LastNameCol  string `json:"lastNameCol"`
	FirstNameCol string `json:"firstNameCol"`
	ChatIDCol    string `json:"chatIdCol"`
	PasswordCol  string `json:"passwordCol"`
}

// Layout carries every configurable sheet coordinate and column name.
type Layout struct {
	Tasks     TasksLayout     `json:"tasks"`
	Reports   ReportsLayout   `json:"reports"`
	Directory DirectoryLayout `json:"directory"`
}

// DefaultLayout matches the production spreadsheet headers.
func DefaultLayout() Layout {
	return Layout{
		Tasks: TasksLayout{
			Origin:       "A1",
			DateCol:      "Дата",
			IDCol:        "ID задачи",
			TaskCol:      "Задача",
			DeadlineCol:  "Дедлайн",
			CompletedCol: "Выполнено",
		},
		Reports: ReportsLayout{
			Origin:          "G1",
			DateCol:         "Дата",
			TaskIDCol:       "ID задачи",
			FeedbackCol:     "Фидбек по задачам",
			DifficultiesCol: "Сложности по задачам",
			SummaryCol:      "Отчет за день",
		},
		Directory: DirectoryLayout{
			Sheet:        "Команда",
			IDCol:        "ID",
			LastNameCol:  "Фамилия",
			FirstNameCol: "Имя",
			ChatIDCol:    "TelegramID",
			PasswordCol:  "Пароль",
		},
	}
}

// Header returns the header row for a table kind, in configured order.
// Physical order in an existing sheet may differ; readers resolve
// columns by name.
func (l Layout) Header(kind TableKind) []string {
	switch kind {
	case TableTasks:
		t := l.Tasks
		return []string{t.DateCol, t.IDCol, t.TaskCol, t.DeadlineCol, t.CompletedCol}
	case TableReports:
		r := l.Reports
		return []string{r.DateCol, r.TaskIDCol, r.FeedbackCol, r.DifficultiesCol, r.SummaryCol}
	default:
		return nil
	}
}

// Origin returns the configured top-left cell of a table kind.
func (l Layout) Origin(kind TableKind) string {
	switch kind {
	case TableTasks:
		return l.Tasks.Origin
	case TableReports:
		return l.Reports.Origin
	default:
		return ""
	}
}

// ParseCellRef splits an A1-style reference ("G1") into zero-based
// column and row indexes.
func ParseCellRef(ref string) (col, row int, err error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return 0, 0, fmt.Errorf("%w: empty cell reference", ErrInvalidInput)
	}
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A') + 1
		i++
	}
	if i == 0 || i == len(ref) {
		return 0, 0, fmt.Errorf("%w: bad cell reference %q", ErrInvalidInput, ref)
	}
	for ; i < len(ref); i++ {
		if ref[i] < '0' || ref[i] > '9' {
			return 0, 0, fmt.Errorf("%w: bad cell reference %q", ErrInvalidInput, ref)
		}
		row = row*10 + int(ref[i]-'0')
	}
	if row == 0 {
		return 0, 0, fmt.Errorf("%w: bad cell reference %q", ErrInvalidInput, ref)
	}
	return col - 1, row - 1, nil
}

// ColumnLabel converts a zero-based column index to its A1 letter form.
func ColumnLabel(col int) string {
	label := ""
	for col >= 0 {
		label = string(rune('A'+col%26)) + label
		col = col/26 - 1
	}
	return label
}

const layoutSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "tasks": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "origin": {"type": "string", "pattern": "^[A-Za-z]+[1-9][0-9]*$"},
        "dateCol": {"type": "string", "minLength": 1},
        "idCol": {"type": "string", "minLength": 1},
        "taskCol": {"type": "string", "minLength": 1},
        "deadlineCol": {"type": "string", "minLength": 1},
        "completedCol": {"type": "string", "minLength": 1}
      }
    },
    "reports": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "origin": {"type": "string", "pattern": "^[A-Za-z]+[1-9][0-9]*$"},
        "dateCol": {"type": "string", "minLength": 1},
        "taskIdCol": {"type": "string", "minLength": 1},
        "feedbackCol": {"type": "string", "minLength": 1},
        "difficultiesCol": {"type": "string", "minLength": 1},
        "summaryCol": {"type": "string", "minLength": 1}
      }
    },
    "directory": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "sheet": {"type": "string", "minLength": 1},
        "idCol": {"type": "string", "minLength": 1},
        "lastNameCol": {"type": "string", "minLength": 1},
        "firstNameCol": {"type": "string", "minLength": 1},
        "chatIdCol": {"type": "string", "minLength": 1},
        "passwordCol": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// LoadLayoutFile reads a layout override file, validates it against the
// layout schema and applies it over the defaults. Fields left out of the
// file keep their default values.
func LoadLayoutFile(path string) (Layout, error) {
	layout := DefaultLayout()
	data, err := os.ReadFile(path)
	if err != nil {
		return layout, err
	}
	if err := validateLayoutJSON(data); err != nil {
		return layout, fmt.Errorf("layout file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("layout file %s: %w", path, err)
	}
	if _, _, err := ParseCellRef(layout.Tasks.Origin); err != nil {
		return layout, err
	}
	if _, _, err := ParseCellRef(layout.Reports.Origin); err != nil {
		return layout, err
	}
	return layout, nil
}

func validateLayoutJSON(data []byte) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(layoutSchemaJSON))
	if err != nil {
		return err
	}
	if err := compiler.AddResource("layout.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("layout.schema.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// WatchLayoutFile reloads the layout whenever the file changes and hands
// the result to onChange. Invalid edits keep the last good layout. The
// watcher stops when ctx is cancelled.
func WatchLayoutFile(ctx context.Context, path string, onChange func(Layout)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				layout, err := LoadLayoutFile(path)
				if err != nil {
					log.Printf("ledger: layout reload failed, keeping previous: %v", err)
					continue
				}
				log.Printf("ledger: layout reloaded from %s", path)
				onChange(layout)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("ledger: layout watcher: %v", err)
			}
		}
	}()
	return nil
}
