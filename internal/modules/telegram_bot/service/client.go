package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Desk описывает, чем оператор управляет из чата.
type Desk interface {
	Positions() []models.Position
	LastPrice(code string) (decimal.Decimal, bool)
	CloseManual(ctx context.Context, code string) error
}

type pending struct {
	ch     chan bool
	msgID  int
	prompt string
}

// Telegram: уведомления оператору и команды /positions, /close.
// Без токена бот не поднимается, всё уходит в лог.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	log    *zap.Logger

	confirmTimeout time.Duration

	mu       sync.Mutex
	desk     Desk
	pendings map[string]*pending
}

func NewTelegram(cfg *config.Config, log *zap.Logger) (*Telegram, error) {
	t := &Telegram{
		chatID:         cfg.Telegram.ChatID,
		log:            log.Named("telegram"),
		confirmTimeout: time.Minute,
		pendings:       make(map[string]*pending),
	}
	if cfg.Telegram.Token == "" {
		t.log.Warn("[TG] token not set, notifications go to log only")
		return t, nil
	}

	b, err := tgbot.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	t.bot = b
	return t, nil
}

// Attach подключает менеджер позиций после сборки графа.
func (t *Telegram) Attach(d Desk) {
	t.mu.Lock()
	t.desk = d
	t.mu.Unlock()
}

func (t *Telegram) getDesk() Desk {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desk
}

// Notify шлёт сообщение оператору в настроенный чат.
func (t *Telegram) Notify(ctx context.Context, msg string) {
	if _, err := t.Send(ctx, t.chatID, msg); err != nil {
		t.log.Warn("[TG] send failed", zap.Error(err))
	}
}

func (t *Telegram) Send(ctx context.Context, chatID int64, msg string) (tgbot.Message, error) {
	return t.SendMessage(ctx, tgbot.NewMessage(chatID, msg))
}

func (t *Telegram) SendF(ctx context.Context, chatID int64, format string, args ...any) (tgbot.Message, error) {
	return t.Send(ctx, chatID, fmt.Sprintf(format, args...))
}

func (t *Telegram) SendMessage(_ context.Context, message tgbot.MessageConfig) (tgbot.Message, error) {
	if t.bot == nil || message.ChatID == 0 {
		t.log.Info("[NOTIFY] " + message.Text)
		return tgbot.Message{}, nil
	}
	return t.bot.Send(message)
}

func (t *Telegram) editReplyMarkupRemove(chatID int64, msgID int) error {
	rm := tgbot.InlineKeyboardMarkup{InlineKeyboard: [][]tgbot.InlineKeyboardButton{}}
	edit := tgbot.NewEditMessageReplyMarkup(chatID, msgID, rm)
	_, err := t.bot.Request(edit)
	return err
}

func (t *Telegram) editText(chatID int64, msgID int, text string) error {
	edit := tgbot.NewEditMessageText(chatID, msgID, text)
	_, err := t.bot.Request(edit)
	return err
}

// Confirm шлёт сообщение с кнопками и ждёт callback.
// Без бота подтверждать некому, считаем подтверждённым.
func (t *Telegram) Confirm(ctx context.Context, chatID int64, prompt string, timeout time.Duration) bool {
	if t.bot == nil {
		t.log.Info("[TG] confirm (auto-yes): " + prompt)
		return true
	}

	token := fmt.Sprintf("%d", time.Now().UnixNano())
	p := &pending{
		ch:     make(chan bool, 1),
		prompt: prompt,
	}

	t.mu.Lock()
	t.pendings[token] = p
	t.mu.Unlock()

	btnYes := tgbot.NewInlineKeyboardButtonData("✅ Закрыть", "CONF::"+token)
	btnNo := tgbot.NewInlineKeyboardButtonData("❌ Отмена", "REJ::"+token)
	kb := tgbot.NewInlineKeyboardMarkup(tgbot.NewInlineKeyboardRow(btnYes, btnNo))

	msg := tgbot.NewMessage(chatID, prompt)
	msg.ReplyMarkup = kb

	sent, _ := t.bot.Send(msg)
	p.msgID = sent.MessageID

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case ok := <-p.ch:
		return ok
	case <-tmr.C:
		_ = t.editReplyMarkupRemove(chatID, p.msgID)
		_ = t.editText(chatID, p.msgID, fmt.Sprintf("%s\n\n⏳ Таймаут", prompt))
		t.dropPending(token)
		return false
	case <-ctx.Done():
		_ = t.editReplyMarkupRemove(chatID, p.msgID)
		_ = t.editText(chatID, p.msgID, fmt.Sprintf("%s\n\n⛔️ Отменено", prompt))
		t.dropPending(token)
		return false
	}
}

func (t *Telegram) dropPending(token string) {
	t.mu.Lock()
	delete(t.pendings, token)
	t.mu.Unlock()
}

// Start крутит long-polling до отмены ctx.
func (t *Telegram) Start(ctx context.Context) {
	if t.bot == nil {
		return
	}
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, update)
			}
		}
	}()
}

func (t *Telegram) Stop() {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
}
