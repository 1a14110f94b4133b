package service

import (
	"context"
	"fmt"

	"surge_bot/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const helpText = "Команды:\n" +
	"/positions: открытые позиции\n" +
	"/close КОД: закрыть позицию по рынку"

func (t *Telegram) handleUpdate(ctx context.Context, update tgbot.Update) {
	// 1) Команды
	if msg := update.Message; msg != nil && msg.Chat != nil {
		if msg.Chat.ID != t.chatID || !msg.IsCommand() {
			return
		}
		t.handleCommand(ctx, msg.Command(), msg.CommandArguments())
		return
	}

	// 2) Inline-кнопки подтверждения
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != t.chatID {
			return
		}
		t.handleCallback(cb)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, cmd, args string) {
	switch cmd {
	case "start", "help":
		_, _ = t.Send(ctx, t.chatID, helpText)
	case "positions":
		t.handlePositions(ctx)
	case "close":
		// ждём подтверждения не в цикле апдейтов
		go t.handleClose(ctx, args)
	default:
		_, _ = t.Send(ctx, t.chatID, "Неизвестная команда.\n\n"+helpText)
	}
}

// /positions показывает открытые позиции с текущим PnL
func (t *Telegram) handlePositions(ctx context.Context) {
	desk := t.getDesk()
	if desk == nil {
		_, _ = t.Send(ctx, t.chatID, "❗️ Менеджер позиций ещё не запущен")
		return
	}
	_, _ = t.Send(ctx, t.chatID, formatPositions(desk.Positions(), desk.LastPrice))
}

// /close КОД закрывает позицию после подтверждения
func (t *Telegram) handleClose(ctx context.Context, args string) {
	code, err := parseCode(args)
	if err != nil {
		_, _ = t.Send(ctx, t.chatID, "❗️ "+err.Error()+"\nПример: /close 005930")
		return
	}
	desk := t.getDesk()
	if desk == nil {
		_, _ = t.Send(ctx, t.chatID, "❗️ Менеджер позиций ещё не запущен")
		return
	}

	if !t.Confirm(ctx, t.chatID, fmt.Sprintf("Закрыть %s по рынку?", code), t.confirmTimeout) {
		return
	}

	if err := desk.CloseManual(ctx, code); err != nil {
		t.log.Warn("[TG] manual close failed", zap.String("code", code), zap.Error(err))
		if errors.Is(err, models.ErrInvalidTransition) {
			_, _ = t.SendF(ctx, t.chatID, "📭 По %s нет позиции в мониторинге", code)
			return
		}
		_, _ = t.SendF(ctx, t.chatID, "❌ Не удалось закрыть %s: %v", code, err)
		return
	}
	_, _ = t.SendF(ctx, t.chatID, "✅ %s закрыта вручную", code)
}

func (t *Telegram) handleCallback(cb *tgbot.CallbackQuery) {
	// ответ Telegram для остановки спиннера
	_, _ = t.bot.Request(tgbot.NewCallback(cb.ID, ""))

	verb, token, ok := parseCallback(cb.Data)
	if !ok {
		return
	}

	t.mu.Lock()
	p, ok := t.pendings[token]
	delete(t.pendings, token)
	t.mu.Unlock()
	if !ok {
		return
	}

	accepted := verb == "CONF"
	p.ch <- accepted

	status, emoji := "Отменено", "❌"
	if accepted {
		status, emoji = "Подтверждено", "✅"
	}
	_ = t.editReplyMarkupRemove(t.chatID, p.msgID)
	_ = t.editText(t.chatID, p.msgID, fmt.Sprintf("%s\n\n%s %s", p.prompt, emoji, status))
}
