package bot

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"github.com/biamino/reportbot/internal/directory"
	"github.com/biamino/reportbot/internal/ledger"
	"github.com/biamino/reportbot/internal/recon"
)

const (
	callbackReportGeneral  = "report_general"
	callbackReportTask     = "report_task_"
	callbackConfirmReport  = "confirm_report"
	callbackRestartReport  = "restart_report"
	callbackRemindPending  = "admin_remind_pending"
	callbackRemindAll      = "admin_remind_all"
	callbackSendTasks      = "admin_send_tasks"
	callbackStartBroadcast = "admin_broadcast"
)

type Options struct {
	Transport Transport
	Sessions  *Sessions
	Directory *directory.Directory
	Recon     *recon.Engine
	AdminIDs  []int64
	Logger    *log.Logger
	Now       func() time.Time
	SendDelay time.Duration
}

// Bot routes chat updates into the report-collection and admin flows.
type Bot struct {
	transport Transport
	sessions  *Sessions
	directory *directory.Directory
	recon     *recon.Engine
	adminIDs  map[int64]bool
	logger    *log.Logger
	now       func() time.Time
	sendDelay time.Duration
}

func New(opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessions(0, now)
	}
	delay := opts.SendDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	admins := make(map[int64]bool, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[id] = true
	}
	return &Bot{
		transport: opts.Transport,
		sessions:  sessions,
		directory: opts.Directory,
		recon:     opts.Recon,
		adminIDs:  admins,
		logger:    logger,
		now:       now,
		sendDelay: delay,
	}
}

func (b *Bot) today() string {
	return b.now().Format(recon.DateFormat)
}

// HandleUpdate processes one transport update. Internal errors answer
// with a generic failure message and never drop the session.
func (b *Bot) HandleUpdate(ctx context.Context, upd Update) {
	switch {
	case upd.Message != nil:
		b.handleMessage(ctx, *upd.Message)
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, *upd.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg Message) {
	chatID := msg.Chat.ID
	sess := b.sessions.Get(chatID)
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, sess, text)
		return
	}

	switch sess.Stage {
	case StageBroadcast:
		b.runBroadcast(ctx, sess, msg.Text)
	case StageFeedback, StageDifficulties, StageSummary:
		b.collectReportText(ctx, sess, msg.Text)
	default:
		if !sess.Authenticated {
			if b.authenticate(ctx, sess) {
				b.sendCommandHint(ctx, sess, "Доступные команды:")
			}
			return
		}
		b.sendCommandHint(ctx, sess, "Не понимаю вас. Используйте:")
	}
}

func (b *Bot) sendCommandHint(ctx context.Context, sess *Session, lead string) {
	if sess.Admin {
		b.send(ctx, sess.ChatID, lead+"\n\n/admin - Панель администратора\n/help - Показать справку")
		return
	}
	b.send(ctx, sess.ChatID, lead+"\n\n/report - Заполнить отчет\n/help - Показать справку")
}

func (b *Bot) handleCommand(ctx context.Context, sess *Session, text string) {
	command := text
	if i := strings.IndexByte(command, ' '); i >= 0 {
		command = command[:i]
	}
	switch command {
	case "/start":
		b.cmdStart(ctx, sess)
	case "/report":
		b.cmdReport(ctx, sess)
	case "/help":
		b.send(ctx, sess.ChatID,
			"Доступные команды:\n\n"+
				"/start - Первый запуск бота\n"+
				"/report - Заполнить отчет вручную\n"+
				"/help - Показать это сообщение\n\n"+
				"Бот автоматически напомнит о заполнении отчета в 21:00 МСК.\n\n"+
				"Авторизация происходит автоматически по вашему Telegram ID.")
	case "/logout":
		b.sessions.Clear(sess.ChatID)
		b.send(ctx, sess.ChatID, "Вы успешно вышли из системы. \n\nДля повторной авторизации используйте команду /start")
	case "/admin":
		b.cmdAdmin(ctx, sess)
	case "/stats":
		b.cmdStats(ctx, sess)
	default:
		b.sendCommandHint(ctx, sess, "Не понимаю вас. Используйте:")
	}
}

// authenticate resolves the chat to an employee (or admin) and marks
// the session. Admins need not be in the directory.
func (b *Bot) authenticate(ctx context.Context, sess *Session) bool {
	if b.adminIDs[sess.ChatID] {
		sess.Authenticated = true
		sess.Admin = true
		sess.Employee = directory.Employee{ID: fmt.Sprintf("admin_%d", sess.ChatID)}
		b.send(ctx, sess.ChatID, "Вы авторизированы как администратор! 👑\n\nИспользуйте /admin для доступа к панели управления.")
		b.logger.Printf("bot: admin %d authenticated", sess.ChatID)
		return true
	}
	emp, found, err := b.directory.FindByChatID(ctx, sess.ChatID)
	if err != nil {
		b.logger.Printf("bot: authenticate chat %d: %v", sess.ChatID, err)
		b.send(ctx, sess.ChatID, "Произошла ошибка при авторизации. Попробуйте позже.")
		return false
	}
	if !found {
		b.send(ctx, sess.ChatID, "Ваш Telegram аккаунт не найден в системе. Обратитесь к администратору для добавления в систему.")
		b.logger.Printf("bot: unknown chat %d tried to authenticate", sess.ChatID)
		return false
	}
	sess.Authenticated = true
	sess.Employee = emp
	b.send(ctx, sess.ChatID, fmt.Sprintf("Вы авторизированы как %s! ✅", emp.FullName()))
	b.logger.Printf("bot: chat %d authenticated as employee %s", sess.ChatID, emp.ID)
	return true
}

func (b *Bot) cmdStart(ctx context.Context, sess *Session) {
	if sess.Authenticated {
		if sess.Admin {
			b.send(ctx, sess.ChatID, "Вы уже авторизированы как администратор! 👑\n\nИспользуйте /admin для доступа к панели управления.")
		} else {
			b.send(ctx, sess.ChatID, fmt.Sprintf("Вы уже авторизированы как %s! ✅\n\nИспользуйте /report для заполнения отчета.", sess.Employee.FullName()))
		}
		return
	}
	b.authenticate(ctx, sess)
}

func (b *Bot) cmdReport(ctx context.Context, sess *Session) {
	if !sess.Authenticated {
		b.send(ctx, sess.ChatID, "Сначала необходимо авторизоваться. Используйте команду /start")
		return
	}
	today := b.today()
	// Gate on an actual submitted row, not on completeness: an employee
	// with no tasks (or no ledger yet) is vacuously complete but still
	// has a report to file.
	if b.recon.HasFilledReport(ctx, sess.Employee.ID, today) {
		b.send(ctx, sess.ChatID, "Вы уже сдали отчет за сегодня! ✅")
		return
	}
	pending := b.recon.TasksWithoutReport(ctx, sess.Employee.ID, today)
	if len(pending) == 0 {
		sess.TaskID = ""
		b.startCollection(ctx, sess)
		return
	}

	var rows [][]InlineKeyboardButton
	for _, task := range pending {
		rows = append(rows, []InlineKeyboardButton{{
			Text:         truncate(task.Description, 40),
			CallbackData: callbackReportTask + task.ID,
		}})
	}
	rows = append(rows, []InlineKeyboardButton{{
		Text:         "Общий отчет за день 📝",
		CallbackData: callbackReportGeneral,
	}})
	sess.Stage = StagePickTask
	b.sendMarkup(ctx, sess.ChatID, "По какой задаче отчитываетесь?\n\nВыберите задачу или заполните общий отчет за день.",
		&InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) startCollection(ctx context.Context, sess *Session) {
	sess.Feedback = ""
	sess.Difficulties = ""
	sess.Summary = ""
	sess.Stage = StageFeedback
	b.send(ctx, sess.ChatID,
		"Заполнение отчета! 📝\n\n"+
			"Расскажите, как вам работалось над сегодняшними задачами? "+
			"Были ли они интересными, с какими нюансами столкнулись?")
}

func (b *Bot) collectReportText(ctx context.Context, sess *Session, text string) {
	if strings.TrimSpace(text) == "" {
		switch sess.Stage {
		case StageFeedback:
			b.send(ctx, sess.ChatID, "Пожалуйста, введите ваш фидбек.")
		case StageDifficulties:
			b.send(ctx, sess.ChatID, "Пожалуйста, расскажите о сложностях или напишите 'Нет сложностей'.")
		case StageSummary:
			b.send(ctx, sess.ChatID, "Пожалуйста, опишите, что было сделано за день.")
		}
		return
	}
	switch sess.Stage {
	case StageFeedback:
		sess.Feedback = text
		sess.Stage = StageDifficulties
		b.send(ctx, sess.ChatID,
			"Спасибо! 👍\n\nТеперь расскажите о сложностях. С чем столкнулись, что не получилось, где нужна помощь?")
	case StageDifficulties:
		sess.Difficulties = text
		sess.Stage = StageSummary
		b.send(ctx, sess.ChatID,
			"Отлично! 👌\n\nИ последнее: опишите, что было сделано за день. Можете приложить ссылки на результаты.")
	case StageSummary:
		sess.Summary = text
		sess.Stage = StageConfirm
		confirmation := fmt.Sprintf(
			"Ваш отчет за сегодня:\n\n<b>Фидбек:</b>\n%s\n\n<b>Сложности:</b>\n%s\n\n<b>Отчет за день:</b>\n%s\n\nОтправляем?",
			html.EscapeString(sess.Feedback),
			html.EscapeString(sess.Difficulties),
			html.EscapeString(sess.Summary))
		b.sendMarkup(ctx, sess.ChatID, confirmation, &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
			{Text: "Да, отправить ✅", CallbackData: callbackConfirmReport},
			{Text: "Заполнить заново 🔄", CallbackData: callbackRestartReport},
		}}})
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb CallbackQuery) {
	chatID := cb.From.ID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}
	sess := b.sessions.Get(chatID)
	messageID := 0
	if cb.Message != nil {
		messageID = cb.Message.MessageID
	}

	switch {
	case cb.Data == callbackReportGeneral && sess.Stage == StagePickTask:
		sess.TaskID = ""
		b.edit(ctx, chatID, messageID, "Заполняем общий отчет за день.")
		b.startCollection(ctx, sess)
	case strings.HasPrefix(cb.Data, callbackReportTask) && sess.Stage == StagePickTask:
		sess.TaskID = strings.TrimPrefix(cb.Data, callbackReportTask)
		label := sess.TaskID
		if task, ok := b.recon.TaskByID(ctx, sess.Employee.ID, sess.TaskID); ok {
			label = task.Description
		}
		b.edit(ctx, chatID, messageID, fmt.Sprintf("Отчитываемся по задаче: %s", html.EscapeString(label)))
		b.startCollection(ctx, sess)
	case cb.Data == callbackConfirmReport && sess.Stage == StageConfirm:
		b.confirmReport(ctx, sess, messageID)
	case cb.Data == callbackRestartReport && sess.Stage == StageConfirm:
		b.edit(ctx, chatID, messageID, "Хорошо, давайте заполним отчет заново.")
		b.startCollection(ctx, sess)
	case cb.Data == callbackRemindPending && sess.Admin:
		b.adminRemindPending(ctx, sess, messageID)
	case cb.Data == callbackRemindAll && sess.Admin:
		b.adminRemindAll(ctx, sess, messageID)
	case cb.Data == callbackSendTasks && sess.Admin:
		b.adminSendTasks(ctx, sess, messageID)
	case cb.Data == callbackStartBroadcast && sess.Admin:
		sess.Stage = StageBroadcast
		b.edit(ctx, chatID, messageID, "Отправьте сообщение для рассылки всем пользователям:")
	}
	if err := b.transport.AnswerCallback(ctx, cb.ID, ""); err != nil {
		b.logger.Printf("bot: answer callback: %v", err)
	}
}

func (b *Bot) confirmReport(ctx context.Context, sess *Session, messageID int) {
	rec := ledger.ReportRecord{
		Date:         b.today(),
		TaskID:       sess.TaskID,
		Feedback:     sess.Feedback,
		Difficulties: sess.Difficulties,
		Summary:      sess.Summary,
	}
	if err := b.recon.SaveReport(ctx, sess.Employee.ID, rec); err != nil {
		b.logger.Printf("bot: save report for %s: %v", sess.Employee.ID, err)
		b.edit(ctx, sess.ChatID, messageID, "Произошла ошибка при сохранении отчета. Попробуйте еще раз.")
		return
	}
	b.logger.Printf("bot: report saved for employee %s", sess.Employee.ID)
	b.edit(ctx, sess.ChatID, messageID, "Ваш отчет успешно сохранен. Спасибо! ✅")
	sess.ResetFlow()
}

func (b *Bot) cmdAdmin(ctx context.Context, sess *Session) {
	if !b.adminIDs[sess.ChatID] {
		return
	}
	if !sess.Authenticated {
		b.authenticate(ctx, sess)
	}
	sess.ResetFlow()
	b.sendMarkup(ctx, sess.ChatID, "🔧 <b>Панель администратора</b>\n\nВыберите действие:",
		&InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
			{{Text: "📋 Отправить задачи", CallbackData: callbackSendTasks}},
			{
				{Text: "⏰ Отчет (не сдавшим)", CallbackData: callbackRemindPending},
				{Text: "📢 Отчет (всем)", CallbackData: callbackRemindAll},
			},
			{{Text: "📡 Сделать рассылку", CallbackData: callbackStartBroadcast}},
		}})
}

func (b *Bot) cmdStats(ctx context.Context, sess *Session) {
	if !b.adminIDs[sess.ChatID] {
		return
	}
	today := b.today()
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		b.logger.Printf("bot: stats: %v", err)
		b.send(ctx, sess.ChatID, "Произошла ошибка при получении статистики.")
		return
	}
	var pending []string
	for _, emp := range employees {
		if !b.recon.IsReportComplete(ctx, emp.ID, today) {
			pending = append(pending, emp.ID)
		}
	}
	text := fmt.Sprintf(
		"📊 <b>Статистика на %s</b>\n\n👥 Всего сотрудников: %d\n✅ Сдали отчет: %d\n⏳ Не сдали отчет: %d\n\n",
		today, len(employees), len(employees)-len(pending), len(pending))
	if len(pending) > 0 {
		text += "<b>Не сдали отчет:</b>\n"
		for _, id := range pending {
			text += "• " + id + "\n"
		}
	}
	b.send(ctx, sess.ChatID, text)
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.transport.SendMessage(ctx, chatID, text, nil); err != nil {
		b.logger.Printf("bot: send to %d: %v", chatID, err)
	}
}

func (b *Bot) sendMarkup(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) {
	if _, err := b.transport.SendMessage(ctx, chatID, text, markup); err != nil {
		b.logger.Printf("bot: send to %d: %v", chatID, err)
	}
}

func (b *Bot) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if messageID == 0 {
		b.send(ctx, chatID, text)
		return
	}
	if err := b.transport.EditMessageText(ctx, chatID, messageID, text, nil); err != nil {
		b.logger.Printf("bot: edit %d/%d: %v", chatID, messageID, err)
	}
}

// UpdateSource supplies batches of updates; Client's long polling is
// the production implementation.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poll drives handle from long polling until ctx is cancelled.
// Transport errors back off for a second and the loop keeps going.
func Poll(ctx context.Context, source UpdateSource, logger *log.Logger, handle func(context.Context, Update)) error {
	if logger == nil {
		logger = log.Default()
	}
	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := source.GetUpdates(ctx, offset, 50*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Printf("bot: get updates: %v", err)
			if err := sleepContext(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handle(ctx, upd)
		}
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
