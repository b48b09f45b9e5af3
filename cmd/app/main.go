package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-telegram/bot"
	"github.com/jackc/pgx/v4/pgxpool"

	"vpn-service/internal/config"
	"vpn-service/internal/controller"
	"vpn-service/internal/database"
	"vpn-service/internal/handler"
	"vpn-service/internal/notifier"
	"vpn-service/internal/points"
	"vpn-service/internal/provider/card"
	"vpn-service/internal/provider/crypto"
	"vpn-service/internal/provider/legacy"
	"vpn-service/internal/wireguard"
	"vpn-service/internal/workers"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	config.InitConfig()
	slog.Info("application starting", "version", Version, "commit", Commit, "buildDate", BuildDate)

	pool, err := initDatabase(ctx, config.DatabaseURL())
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	if err := database.RunMigrations(config.DatabaseURL()); err != nil {
		panic(err)
	}

	subRepo := database.NewSubscriptionRepository(pool)
	tariffRepo := database.NewTariffRepository(pool)
	promoRepo := database.NewPromoRepository(pool)
	pointsRepo := database.NewPointsRepository(pool)
	referralRepo := database.NewReferralRepository(pool)
	notifyRepo := database.NewNotificationRepository(pool)

	peers := wireguard.NewPeerManager(wireguard.Config{
		InterfaceName:     config.WGInterfaceName(),
		ServerPublicKey:   config.WGServerPublicKey(),
		ServerEndpoint:    config.WGServerEndpoint(),
		ClientNetworkCIDR: fmt.Sprintf("%s/%d", config.WGClientNetworkPrefix(), config.WGClientNetworkCIDR()),
		ClientIPStart:     config.WGClientIPStart(),
		ClientDNS:         config.WGClientDNS(),
		ConfigPath:        config.WGConfigPath(),
		ConfigLockPath:    config.WGConfigLockPath(),
		AdvisoryLockID:    config.DBIPAllocLockID(),
	}, pool)

	pointsEngine := points.NewEngine(pointsRepo, referralRepo)

	b, err := bot.New(config.TelegramBotToken())
	if err != nil {
		panic(err)
	}
	notify := notifier.New(b, config.AdminTelegramID())

	ctl := controller.NewController(subRepo, tariffRepo, promoRepo, pointsRepo, referralRepo, peers, pointsEngine, notify)

	cardClient := card.NewClient(config.YookassaURL(), config.YookassaShopID(), config.YookassaSecretKey())
	cardHandler := card.NewHandler(cardClient, ctl)
	cryptoHandler := crypto.NewHandler(ctl)
	legacyHandler := legacy.NewHandler(ctl)

	cron := workers.Schedule(subRepo, notifyRepo, ctl, notify)
	cron.Start()
	defer cron.Stop()

	mux := http.NewServeMux()
	mux.Handle("/webhook/card", handler.CardWebhookHandler(cardHandler))
	mux.Handle("/webhook/crypto", handler.CryptoWebhookHandler(cryptoHandler, config.HeleketAPIPaymentKey()))
	mux.Handle(config.TributeWebhookPath(), legacyHandler.WebHookHandler(config.TributeWebhookSecret()))
	mux.Handle("/admin/subscriptions", handler.AdminListSubscriptions(subRepo))
	mux.Handle("/admin/deactivate", handler.AdminDeactivateSubscription(ctl))
	mux.Handle("/admin/grant", handler.AdminGrantSubscription(ctl))
	mux.Handle("/admin/referral-trial", handler.AdminGrantReferralTrial(ctl))
	mux.Handle("/admin/promo/upsert", handler.AdminUpsertPromoCode(promoRepo))
	mux.Handle("/admin/promo/deactivate", handler.AdminDeactivatePromoCode(promoRepo))
	mux.Handle("/points/balance", handler.PointsBalance(pointsEngine))
	mux.Handle("/admin/points/grant", handler.AdminGrantPoints(pointsEngine))
	mux.Handle("/referral/stats", handler.ReferralStats(pointsEngine))
	mux.Handle("/health", handler.HealthCheck(pool))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HealthCheckPort()),
		Handler: mux,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
}

func initDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MinConns = int32(config.DBPoolMin())
	poolConfig.MaxConns = int32(config.DBPoolMax())

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
