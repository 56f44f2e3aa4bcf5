package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"fastraygram/internal/bot"
	"fastraygram/internal/config"
	"fastraygram/internal/database"
	"fastraygram/internal/models"
	"fastraygram/internal/worker"
	"fastraygram/pkg/logging"
)

func main() {
	once := pflag.Bool("once", false, "run a single delivery cycle and exit")
	interval := pflag.Duration("interval", 0, "override the delay between cycles")
	pflag.Parse()

	cfg := config.LoadConfig()
	logging.InitLogging(cfg.App.Debug)
	if *interval > 0 {
		cfg.Notifier.Interval = *interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	senders := map[models.SocialName]worker.Sender{}
	if cfg.BotToken != "" {
		tg, err := bot.NewBot(cfg.BotToken, cfg.WebAppURL)
		if err != nil {
			log.Fatalf("Could not create bot: %v", err)
		}
		senders[models.SocialTelegram] = tg
	} else {
		logging.Infof("TELEGRAM_BOT_TOKEN is empty, telegram delivery disabled")
	}

	notifier := worker.NewNotifier(db, rdb, senders, cfg)
	if *once {
		if err := notifier.RunOnce(ctx); err != nil {
			log.Fatalf("Notification cycle failed: %v", err)
		}
		return
	}
	if err := notifier.Run(ctx); err != nil {
		log.Fatalf("Notification worker failed: %v", err)
	}
}
