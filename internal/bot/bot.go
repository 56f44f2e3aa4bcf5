// Package bot is the Telegram side of the service: a /start handler that
// points users at the web app, and the sender the notifier delivers through.
package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"fastraygram/internal/worker"
	"fastraygram/pkg/logging"
)

type Bot struct {
	Instance  *telego.Bot
	WebAppURL string
}

func NewBot(token, webAppURL string, opts ...telego.BotOption) (*Bot, error) {
	tgBot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Bot{Instance: tgBot, WebAppURL: webAppURL}, nil
}

// Send delivers an HTML message, with a web-app button when the message
// carries one.
func (b *Bot) Send(ctx context.Context, msg worker.Message) error {
	params := tu.Message(tu.ID(msg.ChatID), msg.Text).WithParseMode(telego.ModeHTML)
	if msg.ButtonURL != "" {
		params = params.WithReplyMarkup(webAppKeyboard(msg.ButtonText, msg.ButtonURL))
	}
	if _, err := b.Instance.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send message to %d: %w", msg.ChatID, err)
	}
	return nil
}

// Start long-polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.Instance.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: true}); err != nil {
		logging.Errorf("Failed to delete webhook: %v", err)
	}

	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	handler.Handle(b.handleStart, th.CommandEqual("start"))

	go func() {
		<-ctx.Done()
		_ = handler.Stop()
	}()

	logging.Infof("Bot started")
	return handler.Start()
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	message := update.Message

	lang := ""
	if from := message.From; from != nil {
		lang = from.LanguageCode
		logging.Infof("Received /start from user %d (@%s)", from.ID, from.Username)
	}

	text, button := welcome(lang)
	params := tu.Message(tu.ID(message.Chat.ID), text)
	if b.WebAppURL != "" {
		params = params.WithReplyMarkup(webAppKeyboard(button, b.WebAppURL))
	}
	if _, err := ctx.Bot().SendMessage(ctx.Context(), params); err != nil {
		logging.Errorf("Failed to answer /start in chat %d: %v", message.Chat.ID, err)
	}
	return nil
}

// welcome returns the greeting and button label for a Telegram language code.
func welcome(lang string) (string, string) {
	if strings.HasPrefix(strings.ToLower(lang), "ru") {
		return "Привет! Нажми кнопку, чтобы открыть веб-приложение.", "Открыть веб-приложение"
	}
	return "Hello! Click the button to open the web application.", "Open Web App"
}

func webAppKeyboard(label, url string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(label).WithWebApp(&telego.WebAppInfo{URL: url}),
		),
	)
}
