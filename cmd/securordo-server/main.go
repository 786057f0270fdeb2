package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"securordo/internal/clock"
	"securordo/internal/common/database"
	"securordo/internal/common/logger"
	"securordo/internal/common/mqtt"
	commonredis "securordo/internal/common/redis"
	"securordo/internal/config"
	"securordo/internal/cryptoengine"
	httpapi "securordo/internal/http"
	"securordo/internal/keystore"
	"securordo/internal/notify"
	"securordo/internal/repository"
	"securordo/internal/service"
	"securordo/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "securordo-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	engine, err := cryptoengine.New(cfg.Crypto.Engine)
	if err != nil {
		log.Fatal("Invalid crypto engine", zap.Error(err))
	}
	policy, err := service.ParseDispensationPolicy(cfg.Prescription.DispensationPolicy)
	if err != nil {
		log.Fatal("Invalid dispensation policy", zap.Error(err))
	}
	keyring, err := keystore.LoadKeyring(cfg.Crypto.KeyringPath)
	if err != nil {
		log.Fatal("Failed to load keyring", zap.String("path", cfg.Crypto.KeyringPath), zap.Error(err))
	}

	// store: Postgres when enabled, otherwise in-memory for local runs
	var (
		st   repository.Store
		db   *sql.DB
		ping func(ctx context.Context) error
	)
	if cfg.DBEnabled {
		db, err = database.NewPostgresDB(&cfg.Database)
		if err != nil {
			log.Fatal("DB enabled but connection failed", zap.Error(err))
		}
		pg := repository.NewPostgresStore(db, log)
		st, ping = pg, pg.Ping
		log.Info("DB enabled for securordo", zap.String("host", cfg.Database.Host))
	} else {
		st = repository.NewMemoryStore()
		log.Warn("DB disabled, using in-memory store; data is lost on restart")
	}

	resolvers := []keystore.PublicKeyResolver{keystore.NewStoreResolver(st), keyring}
	if cfg.Crypto.KeyDirectoryURL != "" {
		resolvers = append(resolvers, keystore.NewDirectoryClient(cfg.Crypto.KeyDirectoryURL, log))
	}
	publicKeys := keystore.NewChainResolver(log, resolvers...)

	var (
		redisClient *commonredis.Client
		nonceCache  *store.NonceCache
		notifiers   []service.FraudNotifier
	)
	if cfg.RedisEnabled {
		redisClient = commonredis.NewRedisClient(&cfg.Redis)
		if err := commonredis.Ping(context.Background(), redisClient); err != nil {
			log.Warn("Redis unreachable at startup, nonce cache will miss until it recovers", zap.Error(err))
		}
		nonceCache = store.NewNonceCache(store.NewRedisKV(redisClient), cfg.Crypto.NonceCacheTTL)
		notifiers = append(notifiers, notify.NewRedisStreamNotifier(redisClient, cfg.Fraud.Stream, cfg.Fraud.StreamMaxLen))
	}
	if cfg.MQTTEnabled {
		mc, err := mqtt.NewClient(&cfg.MQTT, log)
		if err != nil {
			log.Warn("MQTT enabled but connection failed, alerts will not be published", zap.Error(err))
		} else {
			defer mc.Disconnect()
			notifiers = append(notifiers, notify.NewMQTTNotifier(mc, cfg.Fraud.MQTTTopic))
		}
	}

	clk := clock.System{}
	ledger := service.NewNonceLedger(st, nonceCache, clk, log)
	fraud := service.NewFraudDetector(st.FraudAlerts(), clk, cfg.Fraud.AlertTimeout, log, notifiers...)
	lifecycle := service.NewPrescriptionLifecycle(st, engine, publicKeys, ledger, fraud, clk, log)
	recorder := service.NewDispensationRecorder(st, lifecycle, ledger, fraud, clk, policy, cfg.Prescription.RedeemTimeout, log)
	issuer := service.NewPrescriptionIssuer(st, engine, keyring, ledger, clk, service.IssuerOptions{
		NonceTTL:     cfg.Prescription.NonceTTL,
		ValidityDays: cfg.Prescription.ValidityDays,
	}, log)
	pharmacy := service.NewPharmacyService(st, lifecycle, recorder, log)

	router := httpapi.NewRouter(httpapi.AuthMiddleware([]byte(cfg.Auth.JWTSecret)), log)
	router.RegisterHealthRoutes(ping)
	router.RegisterPrescriberRoutes(httpapi.NewPrescriberHandler(issuer, lifecycle, log))
	router.RegisterPharmacistRoutes(httpapi.NewPharmacistHandler(pharmacy, log))
	router.RegisterAdminRoutes(httpapi.NewAdminHandler(fraud, log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := service.NewServer(cfg.HTTP.Addr, router, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
	}
	if redisClient != nil {
		_ = commonredis.Close(redisClient)
	}
	_ = database.Close(db)
}
