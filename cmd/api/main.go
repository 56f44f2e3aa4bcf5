package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"fastraygram/internal/api"
	"fastraygram/internal/auth"
	"fastraygram/internal/config"
	"fastraygram/internal/database"
	"fastraygram/internal/notification"
	"fastraygram/internal/request"
	"fastraygram/internal/vpnconfig"
	"fastraygram/internal/xui"
	"fastraygram/pkg/logging"
)

func main() {
	cfg := config.LoadConfig()
	logging.InitLogging(cfg.App.Debug)
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Could not migrate database: %v", err)
	}

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.App.JWTSecret)

	panel := xui.NewClient(cfg.Xui, nil)
	var revoker interface {
		request.SessionRevoker
		api.Revocations
	} = auth.NopRevoker{}
	if rdb != nil {
		panel = xui.NewClient(cfg.Xui, xui.NewRedisSessionStore(rdb, ""))
		revoker = auth.NewRedisRevoker(rdb, tokenCfg.Expiry)
	}

	notifications := notification.NewService(db)
	configs := vpnconfig.NewService(db, panel, notifications, cfg)
	workflow := request.NewWorkflow(db, configs, notifications, auth.BcryptHasher{}, revoker)

	handler := &api.Handler{
		Configs:       configs,
		Workflow:      workflow,
		Notifications: notifications,
		Panel:         panel,
		ExpiryDays:    cfg.App.ExpiryDays,
	}
	router := api.NewRouter(api.Deps{
		DB:          db,
		Handler:     handler,
		TokenConfig: tokenCfg,
		Revocations: revoker,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Infof("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logging.Infof("Shutting down API")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Graceful shutdown failed: %v", err)
	}
}
