package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/biamino/reportbot/internal/ledger"
)

// Fan-out helpers. Recipients are processed sequentially with a fixed
// inter-message delay; the delay is a rate-limit throttle, nothing more.
// A failed send is logged and the sweep continues.

func (b *Bot) throttledSend(ctx context.Context, chatID int64, text string) bool {
	if _, err := b.transport.SendMessage(ctx, chatID, text, nil); err != nil {
		b.logger.Printf("bot: send to %d: %v", chatID, err)
		return false
	}
	_ = sleepContext(ctx, b.sendDelay)
	return true
}

// NudgeIncomplete is the end-of-day trigger: prompt every employee whose
// report for today is still incomplete. Chats that never authenticated
// are skipped so the bot does not message strangers to the session
// store.
func (b *Bot) NudgeIncomplete(ctx context.Context) error {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		return fmt.Errorf("nudge: %w", err)
	}
	today := b.today()
	sent, skipped := 0, 0
	for _, emp := range employees {
		if len(emp.ChatIDs) == 0 || b.recon.IsReportComplete(ctx, emp.ID, today) {
			continue
		}
		for _, chatID := range emp.ChatIDs {
			if !b.sessions.Authenticated(chatID) {
				skipped++
				continue
			}
			if b.throttledSend(ctx, chatID, "Пришло время для отчета! 📝\n\nИспользуйте команду /report для заполнения.") {
				sent++
			}
		}
	}
	b.logger.Printf("bot: nudge sent to %d chats, %d unauthorized skipped", sent, skipped)
	return nil
}

// RemindPreviousDay is the midnight escalation: remind employees whose
// previous day stayed incomplete.
func (b *Bot) RemindPreviousDay(ctx context.Context) error {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		return fmt.Errorf("remind: %w", err)
	}
	yesterday := b.now().AddDate(0, 0, -1).Format("02.01.2006")
	sent := 0
	for _, emp := range employees {
		if len(emp.ChatIDs) == 0 || b.recon.IsReportComplete(ctx, emp.ID, yesterday) {
			continue
		}
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID,
				"Кажется, вы забыли заполнить отчет за вчера. Пожалуйста, не забудьте это сделать! ⏰\n\n"+
					"Используйте команду /report для заполнения отчета.") {
				sent++
			}
		}
	}
	b.logger.Printf("bot: midnight reminder sent to %d chats", sent)
	return nil
}

// SendDeadlineWarnings is the hourly sweep: warn about tasks whose
// deadline lands exactly at the lookahead window.
func (b *Bot) SendDeadlineWarnings(ctx context.Context) error {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		return fmt.Errorf("deadline sweep: %w", err)
	}
	now := b.now()
	sent := 0
	for _, emp := range employees {
		if len(emp.ChatIDs) == 0 {
			continue
		}
		due := b.recon.TasksDueSoon(ctx, emp.ID, now)
		if len(due) == 0 {
			continue
		}
		text := "⏰ Приближается дедлайн по задачам:\n\n" + taskList(due)
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID, text) {
				sent++
			}
		}
	}
	b.logger.Printf("bot: deadline warnings sent to %d chats", sent)
	return nil
}

func taskList(tasks []ledger.TaskRecord) string {
	var sb strings.Builder
	for _, task := range tasks {
		sb.WriteString("• ")
		sb.WriteString(html.EscapeString(task.Description))
		if task.DueDate != "" {
			sb.WriteString(" (срок: ")
			sb.WriteString(task.DueDate)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Bot) adminRemindPending(ctx context.Context, sess *Session, messageID int) {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		b.logger.Printf("bot: remind pending: %v", err)
		b.edit(ctx, sess.ChatID, messageID, "Произошла ошибка при отправке напоминаний.")
		return
	}
	today := b.today()
	sent := 0
	for _, emp := range employees {
		if len(emp.ChatIDs) == 0 || b.recon.IsReportComplete(ctx, emp.ID, today) {
			continue
		}
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID, "Кажется, вы забыли заполнить отчет за сегодня. Пожалуйста, не забудьте это сделать! ⏰") {
				sent++
			}
		}
	}
	b.edit(ctx, sess.ChatID, messageID, fmt.Sprintf("Напоминания отправлены %d сотрудникам, которые не сдали отчет.", sent))
}

func (b *Bot) adminRemindAll(ctx context.Context, sess *Session, messageID int) {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		b.logger.Printf("bot: remind all: %v", err)
		b.edit(ctx, sess.ChatID, messageID, "Произошла ошибка при отправке напоминаний.")
		return
	}
	sent := 0
	for _, emp := range employees {
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID, "Коллеги, просьба срочно заполнить отчет и фидбек за сегодня! 📝") {
				sent++
			}
		}
	}
	b.edit(ctx, sess.ChatID, messageID, fmt.Sprintf("Напоминания отправлены всем %d сотрудникам.", sent))
}

func (b *Bot) adminSendTasks(ctx context.Context, sess *Session, messageID int) {
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		b.logger.Printf("bot: send tasks: %v", err)
		b.edit(ctx, sess.ChatID, messageID, "Произошла ошибка при отправке задач.")
		return
	}
	today := b.today()
	sent := 0
	for _, emp := range employees {
		if len(emp.ChatIDs) == 0 {
			continue
		}
		pending := b.recon.TasksWithoutReport(ctx, emp.ID, today)
		if len(pending) == 0 {
			continue
		}
		text := fmt.Sprintf("📋 Привет, %s!\n\nВаши задачи на сегодня:\n\n%s", emp.FullName(), taskList(pending))
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID, text) {
				sent++
			}
		}
	}
	b.edit(ctx, sess.ChatID, messageID, fmt.Sprintf("Все задачи отправлены %d сотрудникам.", sent))
}

func (b *Bot) runBroadcast(ctx context.Context, sess *Session, text string) {
	if strings.TrimSpace(text) == "" {
		b.send(ctx, sess.ChatID, "Отправьте текст для рассылки.")
		return
	}
	employees, err := b.directory.Employees(ctx)
	if err != nil {
		b.logger.Printf("bot: broadcast: %v", err)
		b.send(ctx, sess.ChatID, "Произошла ошибка при рассылке.")
		sess.ResetFlow()
		return
	}
	sent, failed := 0, 0
	for _, emp := range employees {
		for _, chatID := range emp.ChatIDs {
			if b.throttledSend(ctx, chatID, text) {
				sent++
			} else {
				failed++
			}
		}
	}
	b.send(ctx, sess.ChatID, fmt.Sprintf("Рассылка завершена!\n✅ Отправлено: %d\n❌ Не удалось отправить: %d", sent, failed))
	sess.ResetFlow()
	b.logger.Printf("bot: broadcast done: %d sent, %d failed", sent, failed)
}
