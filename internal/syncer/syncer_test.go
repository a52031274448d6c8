package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/biamino/reportbot/internal/directory"
	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/taskdb"
)

type fakeSource struct {
	tasks []taskdb.Task
	err   error
}

func (s *fakeSource) AllTasks(ctx context.Context) ([]taskdb.Task, error) {
	return s.tasks, s.err
}

func newTestOrchestrator(t *testing.T, source TaskSource) (*Orchestrator, *ledger.MemoryStore) {
	t.Helper()
	layout := ledger.DefaultLayout()
	store := ledger.NewMemoryStore(layout)
	store.SetSheet(layout.Directory.Sheet, [][]string{
		{"ID", "Фамилия", "Имя", "TelegramID", "Пароль"},
		{"101", "Иванов", "Иван", "1", "p"},
		{"102", "Петров", "Пётр", "2", "q"},
	})
	dir := directory.New(directory.Options{Store: store, Layout: layout.Directory})
	orch := New(Options{
		Source:    source,
		Store:     store,
		Layout:    layout,
		Directory: dir,
		Logger:    log.New(io.Discard, "", 0),
		Now: func() time.Time {
			return time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
		},
	})
	return orch, store
}

func ledgerTasks(t *testing.T, store *ledger.MemoryStore, employeeID string) []ledger.TaskRecord {
	t.Helper()
	table, err := store.ReadTable(context.Background(), employeeID, ledger.TableTasks)
	if err != nil {
		t.Fatalf("ReadTable %s: %v", employeeID, err)
	}
	records, err := ledger.DecodeTasks(ledger.DefaultLayout().Tasks, table)
	if err != nil {
		t.Fatalf("DecodeTasks: %v", err)
	}
	return records
}

func TestSyncIsIdempotent(t *testing.T) {
	source := &fakeSource{tasks: []taskdb.Task{
		{Name: "Сверстать лендинг", DueDate: "2026-09-01", Assignee: "Иван Иванов", SourceID: "db-one-0001"},
		{Name: "Написать тексты", DueDate: "", Assignee: "Иван Иванов", SourceID: "db-one-0001"},
	}}
	orch, store := newTestOrchestrator(t, source)
	if err := store.EnsureLedger(context.Background(), "101"); err != nil {
		t.Fatalf("EnsureLedger: %v", err)
	}

	stats, err := orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.TotalTasks != 2 || stats.ProcessedAssignees != 1 || stats.UpdatedLedgers != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	records := ledgerTasks(t, store, "101")
	if len(records) != 2 {
		t.Fatalf("expected 2 tasks after first sync, got %d", len(records))
	}
	if records[0].AddedDate != "27.08.2026" {
		t.Errorf("unexpected added date %q", records[0].AddedDate)
	}
	if records[0].DueDate != "01.09.2026" {
		t.Errorf("due date must be normalized to day format, got %q", records[0].DueDate)
	}
	firstID := records[0].ID

	// Second run over the same snapshot changes nothing.
	stats, err = orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if stats.UpdatedLedgers != 0 || stats.Errors != 0 {
		t.Fatalf("second sync must be a no-op, stats: %+v", stats)
	}
	records = ledgerTasks(t, store, "101")
	if len(records) != 2 {
		t.Fatalf("expected 2 tasks after second sync, got %d", len(records))
	}
	if records[0].ID != firstID {
		t.Fatalf("task id must be stable across runs: %s vs %s", firstID, records[0].ID)
	}
}

func TestSyncDedupsWithinOneBatch(t *testing.T) {
	source := &fakeSource{tasks: []taskdb.Task{
		{Name: "Сверстать лендинг", Assignee: "Иван Иванов", SourceID: "db-1"},
		{Name: "сверстать  лендинг", Assignee: "Иван Иванов", SourceID: "db-1"},
	}}
	orch, store := newTestOrchestrator(t, source)
	if err := store.EnsureLedger(context.Background(), "101"); err != nil {
		t.Fatalf("EnsureLedger: %v", err)
	}

	stats, err := orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.UpdatedLedgers != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	records := ledgerTasks(t, store, "101")
	if len(records) != 1 {
		t.Fatalf("same description twice in one batch must append once, got %d rows", len(records))
	}
}

func TestSyncSkipsMissingLedger(t *testing.T) {
	source := &fakeSource{tasks: []taskdb.Task{
		{Name: "Задача", Assignee: "Иван Иванов", SourceID: "db-1"},
	}}
	orch, store := newTestOrchestrator(t, source)

	stats, err := orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.UpdatedLedgers != 0 || stats.Errors != 0 {
		t.Fatalf("missing ledger is a skip, not an error: %+v", stats)
	}
	if exists, _ := store.LedgerExists(context.Background(), "101"); exists {
		t.Fatal("sync must not create ledgers")
	}
}

func TestSyncSkipsUnresolvableAssignees(t *testing.T) {
	source := &fakeSource{tasks: []taskdb.Task{
		{Name: "A", Assignee: "Мадонна", SourceID: "db-1"},
		{Name: "B", Assignee: "Анна Мария Петрова", SourceID: "db-1"},
		{Name: "C", Assignee: "Сидоров Семён", SourceID: "db-1"},
	}}
	orch, _ := newTestOrchestrator(t, source)

	stats, err := orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.ProcessedAssignees != 3 {
		t.Fatalf("expected 3 groups, got %d", stats.ProcessedAssignees)
	}
	// One- and three-token names fail resolution; "Сидоров Семён" parses
	// but is not in the directory. All are skips.
	if stats.UpdatedLedgers != 0 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSyncManualTasksNeverBlockImport(t *testing.T) {
	source := &fakeSource{tasks: []taskdb.Task{
		{Name: "Ручная задача", Assignee: "Иван Иванов", SourceID: "db-1"},
	}}
	orch, store := newTestOrchestrator(t, source)
	layout := ledger.DefaultLayout()
	row, err := ledger.EncodeTask(layout.Tasks, layout.Header(ledger.TableTasks), ledger.TaskRecord{
		AddedDate: "01.08.2026", ID: "MANUAL-1", Description: "Ручная задача",
	})
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if err := store.AppendRow(context.Background(), "101", ledger.TableTasks, row); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}

	stats, err := orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.UpdatedLedgers != 1 {
		t.Fatalf("manual row must not block import, stats: %+v", stats)
	}
	if records := ledgerTasks(t, store, "101"); len(records) != 2 {
		t.Fatalf("expected manual plus imported task, got %d rows", len(records))
	}
}

func TestSyncSourceFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("boom")}
	orch, _ := newTestOrchestrator(t, source)

	stats, err := orch.Sync(context.Background())
	if err == nil {
		t.Fatal("expected error from source failure")
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error counted, got %+v", stats)
	}
	info, ok := orch.LastRun()
	if !ok || info.Error == "" {
		t.Fatalf("expected failed run recorded, got ok=%v info=%+v", ok, info)
	}
}

func TestLastRunRecordsStats(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeSource{})
	if _, ok := orch.LastRun(); ok {
		t.Fatal("no run happened yet")
	}
	if _, err := orch.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	info, ok := orch.LastRun()
	if !ok || info.RanAt.IsZero() {
		t.Fatalf("expected recorded run, got ok=%v info=%+v", ok, info)
	}
}
