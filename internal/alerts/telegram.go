package alerts

import (
	"context"
	"fmt"

	"woosync/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel pushes alerts to a set of chat ids.
type TelegramChannel struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
}

func NewTelegramChannel(cfg config.TelegramAlertConfig) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return &TelegramChannel{bot: bot, chatIDs: cfg.ChatIDs}, nil
}

func (c *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("⚠️ *%s*\nTenant: %d\n%s", alert.Title, alert.TenantID, alert.Message)
	for _, chatID := range c.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := c.bot.Send(msg); err != nil {
			return fmt.Errorf("failed to send telegram alert to %d: %w", chatID, err)
		}
	}
	return nil
}
