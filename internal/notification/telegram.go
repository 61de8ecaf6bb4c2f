package notification

import (
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramNotifier sends notifications via a Telegram bot. The bot client
// is created lazily on the first send so a bad token degrades to delivery
// errors rather than blocking startup.
type TelegramNotifier struct {
	token   string
	chatID  int64
	enabled bool

	once    sync.Once
	bot     *tgbotapi.BotAPI
	initErr error
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	chatID, err := strconv.ParseInt(config.ChatID, 10, 64)
	enabled := config.BotToken != "" && config.ChatID != "" && err == nil
	return &TelegramNotifier{
		token:   config.BotToken,
		chatID:  chatID,
		enabled: enabled,
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	t.once.Do(func() {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.initErr = fmt.Errorf("telegram bot init: %w", err)
			return
		}
		t.bot = bot
	})
	if t.initErr != nil {
		return t.initErr
	}

	text := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
