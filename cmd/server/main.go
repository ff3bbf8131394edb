package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"fundingarb/internal/api"
	"fundingarb/internal/bot"
	"fundingarb/internal/config"
	"fundingarb/internal/funding"
	"fundingarb/internal/market"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/service"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer log.Sync()

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal("database connection failed", utils.Err(err))
	}
	defer db.Close()
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Репозитории
	tradeRepo := repository.NewTradeRepository(db)
	fundingRepo := repository.NewFundingRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Нотификации: журнал + Telegram
	telegram, err := service.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		log.Warn("telegram disabled", utils.Err(err))
	}
	notifier := service.NewNotifier(notificationRepo, telegram, log)

	// Биржи
	binance := venue.NewBinance(cfg.Binance.APIKey, cfg.Binance.APISecret, log)
	bybit := venue.NewBybit(cfg.Bybit.APIKey, cfg.Bybit.APISecret, log)
	venueList := []venue.Venue{binance, bybit}
	venues := map[string]venue.Venue{
		models.VenueBinance: binance,
		models.VenueBybit:   bybit,
	}

	// Рыночные ограничения и синхронизатор фандинга
	constraints := market.NewConstraints(venueList, log)
	fsync := funding.NewSynchronizer(venueList, constraints, funding.DefaultSynchronizerConfig(), log)

	// Исполнение и сверка позиций. Общая аренда символов:
	// вход и закрытие одного символа никогда не идут параллельно.
	lease := bot.NewSymbolLease()
	executor := bot.NewExecutor(venues, constraints, notifier, lease, log)
	reconciler := bot.NewReconciler(venues, fsync, tradeRepo, fundingRepo, lease, log)

	// Трекер начислений фандинга
	accrualTracker := funding.NewAccrualTracker(fsync, reconciler, fundingRepo, log)

	// Контроллеры
	monitor := bot.NewMonitorTable()

	exitCfg := bot.DefaultAutoExitConfig()
	exitCfg.Enabled = cfg.Trading.AutoExitEnabled
	exitCfg.CheckInterval = cfg.Trading.CheckInterval
	exitCfg.FlipInterval = cfg.Trading.FlipInterval
	exitCfg.OrphanGrace = cfg.Trading.OrphanGrace
	autoExit := bot.NewAutoExit(reconciler, monitor, notifier, exitCfg, log)

	entryCfg := bot.DefaultAutoEntryConfig()
	entryCfg.Enabled = cfg.Trading.AutoEntryEnabled
	entryCfg.Interval = cfg.Trading.EntryInterval
	entryCfg.CapitalPercent = cfg.Trading.CapitalPercent
	entryCfg.Leverage = cfg.Trading.Leverage
	entryCfg.MinNetSpreadPct = cfg.Trading.MinNetSpreadPct
	entryCfg.AllowedIntervals = cfg.Trading.AllowedIntervals
	entryCfg.MaxActiveTrades = cfg.Trading.MaxActiveTrades
	entryCfg.CooldownTTL = cfg.Trading.EntryCooldown
	autoEntry := bot.NewAutoEntry(executor, reconciler, fsync, constraints, venues, notifier, entryCfg, log)

	// Фоновые циклы
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fsync.Start(ctx)
	go accrualTracker.Start(ctx)
	go autoExit.Start(ctx)
	go autoEntry.Start(ctx)

	// HTTP API
	deps := &api.Dependencies{
		Positions:     reconciler,
		Funding:       fsync,
		Notifications: notificationRepo,
		Monitor:       monitor,
		Cooldowns:     autoEntry,
		Blacklist:     constraints,
		Trades:        tradeRepo,
	}
	router := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", utils.Err(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	for name, v := range venues {
		if err := v.Close(); err != nil {
			log.Warn("venue close failed", utils.Venue(name), utils.Err(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}

	log.Info("server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
