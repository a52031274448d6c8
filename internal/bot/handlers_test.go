package bot

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biamino/reportbot/internal/directory"
	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/recon"
)

type sentMessage struct {
	ChatID int64
	Text   string
	Markup *InlineKeyboardMarkup
}

type fakeTransport struct {
	mu     sync.Mutex
	nextID int
	Sent   []sentMessage
	Edits  []sentMessage
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.Sent = append(f.Sent, sentMessage{ChatID: chatID, Text: text, Markup: markup})
	return Message{MessageID: f.nextID, Chat: Chat{ID: chatID}}, nil
}

func (f *fakeTransport) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edits = append(f.Edits, sentMessage{ChatID: chatID, Text: text, Markup: markup})
	return nil
}

func (f *fakeTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeTransport) lastSent(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.Sent[len(f.Sent)-1]
}

func (f *fakeTransport) lastEdit(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Edits) == 0 {
		t.Fatal("no messages edited")
	}
	return f.Edits[len(f.Edits)-1]
}

type fixture struct {
	bot       *Bot
	transport *fakeTransport
	store     *ledger.MemoryStore
	engine    *recon.Engine
}

const (
	adminChat    = int64(999)
	employeeChat = int64(100)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := ledger.DefaultLayout()
	store := ledger.NewMemoryStore(layout)
	store.SetSheet(layout.Directory.Sheet, [][]string{
		{"ID", "Фамилия", "Имя", "TelegramID", "Пароль"},
		{"101", "Иванов", "Иван", "100", "p"},
		{"102", "Петров", "Пётр", "200", "q"},
	})
	logger := log.New(io.Discard, "", 0)
	dir := directory.New(directory.Options{Store: store, Layout: layout.Directory})
	engine := recon.New(recon.Options{Store: store, Layout: layout, Logger: logger})
	transport := &fakeTransport{}
	b := New(Options{
		Transport: transport,
		Directory: dir,
		Recon:     engine,
		AdminIDs:  []int64{adminChat},
		Logger:    logger,
		Now: func() time.Time {
			return time.Date(2026, 8, 27, 18, 0, 0, 0, time.UTC)
		},
		SendDelay: time.Nanosecond,
	})
	return &fixture{bot: b, transport: transport, store: store, engine: engine}
}

func (f *fixture) message(chatID int64, text string) {
	f.bot.HandleUpdate(context.Background(), Update{Message: &Message{
		MessageID: 1,
		From:      &User{ID: chatID},
		Chat:      Chat{ID: chatID},
		Text:      text,
	}})
}

func (f *fixture) callback(chatID int64, data string) {
	f.bot.HandleUpdate(context.Background(), Update{CallbackQuery: &CallbackQuery{
		ID:      "cb",
		From:    User{ID: chatID},
		Message: &Message{MessageID: 5, Chat: Chat{ID: chatID}},
		Data:    data,
	}})
}

func (f *fixture) seedTask(t *testing.T, employeeID string, rec ledger.TaskRecord) {
	t.Helper()
	layout := ledger.DefaultLayout()
	row, err := ledger.EncodeTask(layout.Tasks, layout.Header(ledger.TableTasks), rec)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	if err := f.store.AppendRow(context.Background(), employeeID, ledger.TableTasks, row); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
}

func (f *fixture) reports(t *testing.T, employeeID string) []ledger.ReportRecord {
	t.Helper()
	table, err := f.store.ReadTable(context.Background(), employeeID, ledger.TableReports)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	records, err := ledger.DecodeReports(ledger.DefaultLayout().Reports, table)
	if err != nil {
		t.Fatalf("DecodeReports: %v", err)
	}
	return records
}

func TestStartAuthenticatesKnownEmployee(t *testing.T) {
	f := newFixture(t)
	f.message(employeeChat, "/start")
	got := f.transport.lastSent(t)
	if !strings.Contains(got.Text, "Иванов Иван") {
		t.Fatalf("expected auth greeting, got %q", got.Text)
	}
	if !f.bot.sessions.Authenticated(employeeChat) {
		t.Fatal("session must be authenticated")
	}
}

func TestStartRejectsUnknownChat(t *testing.T) {
	f := newFixture(t)
	f.message(12345, "/start")
	got := f.transport.lastSent(t)
	if !strings.Contains(got.Text, "не найден в системе") {
		t.Fatalf("expected rejection, got %q", got.Text)
	}
	if f.bot.sessions.Authenticated(12345) {
		t.Fatal("unknown chat must not authenticate")
	}
}

func TestStartAuthenticatesAdmin(t *testing.T) {
	f := newFixture(t)
	f.message(adminChat, "/start")
	got := f.transport.lastSent(t)
	if !strings.Contains(got.Text, "администратор") {
		t.Fatalf("expected admin greeting, got %q", got.Text)
	}
}

func TestGeneralReportFlow(t *testing.T) {
	f := newFixture(t)
	f.message(employeeChat, "/start")
	f.message(employeeChat, "/report")

	// No active tasks, so collection starts immediately.
	if got := f.transport.lastSent(t); !strings.Contains(got.Text, "Заполнение отчета") {
		t.Fatalf("expected feedback prompt, got %q", got.Text)
	}
	f.message(employeeChat, "Работалось отлично")
	f.message(employeeChat, "Сложностей не было")
	f.message(employeeChat, "Сделал всё")

	got := f.transport.lastSent(t)
	if !strings.Contains(got.Text, "Отправляем?") || got.Markup == nil {
		t.Fatalf("expected confirmation with keyboard, got %+v", got)
	}

	f.callback(employeeChat, "confirm_report")
	if edit := f.transport.lastEdit(t); !strings.Contains(edit.Text, "успешно сохранен") {
		t.Fatalf("expected save confirmation, got %q", edit.Text)
	}

	records := f.reports(t, "101")
	if len(records) != 1 {
		t.Fatalf("expected 1 report row, got %d", len(records))
	}
	rec := records[0]
	if !rec.General() || rec.Date != "27.08.2026" || rec.Summary != "Сделал всё" {
		t.Fatalf("unexpected report: %+v", rec)
	}
	// Authentication survives the flow.
	if !f.bot.sessions.Authenticated(employeeChat) {
		t.Fatal("auth must survive report submission")
	}
}

func TestTaskPickedReportFlow(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Сверстать лендинг"})
	f.message(employeeChat, "/start")
	f.message(employeeChat, "/report")

	picker := f.transport.lastSent(t)
	if picker.Markup == nil || len(picker.Markup.InlineKeyboard) != 2 {
		t.Fatalf("expected task button plus general option, got %+v", picker.Markup)
	}
	if picker.Markup.InlineKeyboard[0][0].CallbackData != "report_task_T1" {
		t.Fatalf("unexpected callback data %q", picker.Markup.InlineKeyboard[0][0].CallbackData)
	}

	f.callback(employeeChat, "report_task_T1")
	f.message(employeeChat, "фидбек")
	f.message(employeeChat, "сложности")
	f.message(employeeChat, "итог")
	f.callback(employeeChat, "confirm_report")

	records := f.reports(t, "101")
	if len(records) != 1 || records[0].TaskID != "T1" {
		t.Fatalf("expected task-bound report, got %+v", records)
	}
}

func TestReportAlreadyComplete(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Задача"})
	err := f.engine.SaveReport(context.Background(), "101", ledger.ReportRecord{
		Date: "27.08.2026", Feedback: "ок", Difficulties: "нет", Summary: "день",
	})
	if err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	f.message(employeeChat, "/start")
	f.message(employeeChat, "/report")
	if got := f.transport.lastSent(t); !strings.Contains(got.Text, "уже сдали отчет") {
		t.Fatalf("expected already-complete notice, got %q", got.Text)
	}
}

func TestEmptyReportInputReprompts(t *testing.T) {
	f := newFixture(t)
	f.message(employeeChat, "/start")
	f.message(employeeChat, "/report")
	f.message(employeeChat, "   ")
	if got := f.transport.lastSent(t); !strings.Contains(got.Text, "введите ваш фидбек") {
		t.Fatalf("expected reprompt, got %q", got.Text)
	}
}

func TestRestartReport(t *testing.T) {
	f := newFixture(t)
	f.message(employeeChat, "/start")
	f.message(employeeChat, "/report")
	f.message(employeeChat, "a")
	f.message(employeeChat, "b")
	f.message(employeeChat, "c")
	f.callback(employeeChat, "restart_report")
	if got := f.transport.lastSent(t); !strings.Contains(got.Text, "Заполнение отчета") {
		t.Fatalf("expected restarted collection, got %q", got.Text)
	}
	if records := f.reports(t, "101"); len(records) != 0 {
		t.Fatalf("nothing must be saved on restart, got %+v", records)
	}
}

func TestAdminPanelHiddenFromNonAdmins(t *testing.T) {
	f := newFixture(t)
	f.message(employeeChat, "/start")
	before := len(f.transport.Sent)
	f.message(employeeChat, "/admin")
	if len(f.transport.Sent) != before {
		t.Fatal("/admin must be silent for non-admins")
	}
}

func TestAdminRemindPending(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Задача"})
	f.message(adminChat, "/admin")
	panel := f.transport.lastSent(t)
	if panel.Markup == nil {
		t.Fatal("expected admin keyboard")
	}

	f.callback(adminChat, "admin_remind_pending")
	edit := f.transport.lastEdit(t)
	if !strings.Contains(edit.Text, "Напоминания отправлены 1") {
		t.Fatalf("unexpected result text %q", edit.Text)
	}
	// Employee 101 is incomplete and has chat id 100; employee 102 has no
	// active tasks and is vacuously complete.
	reminder := f.transport.lastSent(t)
	if reminder.ChatID != employeeChat || !strings.Contains(reminder.Text, "забыли заполнить отчет") {
		t.Fatalf("unexpected reminder: %+v", reminder)
	}
}

func TestAdminBroadcast(t *testing.T) {
	f := newFixture(t)
	f.message(adminChat, "/admin")
	f.callback(adminChat, "admin_broadcast")
	f.message(adminChat, "Всем привет!")

	var toEmployees int
	f.transport.mu.Lock()
	for _, m := range f.transport.Sent {
		if m.Text == "Всем привет!" {
			toEmployees++
		}
	}
	f.transport.mu.Unlock()
	if toEmployees != 2 {
		t.Fatalf("expected broadcast to 2 employees, got %d", toEmployees)
	}
	if got := f.transport.lastSent(t); !strings.Contains(got.Text, "Рассылка завершена") {
		t.Fatalf("expected broadcast summary, got %q", got.Text)
	}
}

func TestStatsListsPendingEmployees(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Задача"})
	f.message(adminChat, "/stats")
	got := f.transport.lastSent(t)
	if !strings.Contains(got.Text, "Всего сотрудников: 2") {
		t.Fatalf("unexpected stats: %q", got.Text)
	}
	if !strings.Contains(got.Text, "• 101") {
		t.Fatalf("expected 101 listed as pending: %q", got.Text)
	}
}

func TestNudgeSkipsUnauthenticatedChats(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Задача"})
	f.seedTask(t, "102", ledger.TaskRecord{ID: "T2", Description: "Другая"})
	// Only employee 101's chat authenticates.
	f.message(employeeChat, "/start")
	before := len(f.transport.Sent)

	if err := f.bot.NudgeIncomplete(context.Background()); err != nil {
		t.Fatalf("NudgeIncomplete: %v", err)
	}
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	nudges := f.transport.Sent[before:]
	if len(nudges) != 1 || nudges[0].ChatID != employeeChat {
		t.Fatalf("expected one nudge to chat %d, got %+v", employeeChat, nudges)
	}
}

func TestDeadlineWarnings(t *testing.T) {
	f := newFixture(t)
	// Fixture clock is 27.08.2026 18:00 UTC; +12h lands on the 28th.
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T1", Description: "Срочная", DueDate: "28.08.2026"})
	f.seedTask(t, "101", ledger.TaskRecord{ID: "T2", Description: "Далёкая", DueDate: "30.09.2026"})

	if err := f.bot.SendDeadlineWarnings(context.Background()); err != nil {
		t.Fatalf("SendDeadlineWarnings: %v", err)
	}
	got := f.transport.lastSent(t)
	if got.ChatID != employeeChat || !strings.Contains(got.Text, "Срочная") || strings.Contains(got.Text, "Далёкая") {
		t.Fatalf("unexpected warning: %+v", got)
	}
}

type fakeUpdateSource struct {
	batches [][]Update
	offsets []int64
}

func (f *fakeUpdateSource) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	f.offsets = append(f.offsets, offset)
	if len(f.batches) == 0 {
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func TestPollAdvancesOffset(t *testing.T) {
	source := &fakeUpdateSource{batches: [][]Update{
		{{UpdateID: 10}, {UpdateID: 11}},
		{{UpdateID: 12}},
	}}
	ctx, cancel := context.WithCancel(context.Background())

	var handled []int64
	err := Poll(ctx, source, log.New(io.Discard, "", 0), func(ctx context.Context, upd Update) {
		handled = append(handled, upd.UpdateID)
		if upd.UpdateID == 12 {
			cancel()
		}
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(handled) != 3 {
		t.Fatalf("expected 3 handled updates, got %v", handled)
	}
	if len(source.offsets) < 2 || source.offsets[1] != 12 {
		t.Fatalf("expected second poll at offset 12, got %v", source.offsets)
	}
}
