package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fastraygram/internal/bot"
	"fastraygram/internal/config"
	"fastraygram/pkg/logging"
)

func main() {
	cfg := config.LoadConfig()
	logging.InitLogging(cfg.App.Debug)

	if cfg.BotToken == "" {
		log.Fatalf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.WebAppURL == "" {
		logging.Infof("TELEGRAM_WEB_APP_URL is empty, /start will answer without a button")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tg, err := bot.NewBot(cfg.BotToken, cfg.WebAppURL)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}
	if err := tg.Start(ctx); err != nil {
		log.Fatalf("Bot stopped: %v", err)
	}
	logging.Infof("Bot stopped")
}
