package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/config"
	"github.com/suPer8Hu/pixel-platform/internal/db"
	"github.com/suPer8Hu/pixel-platform/internal/httpapi"
	"github.com/suPer8Hu/pixel-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/pixel-platform/internal/keypool"
	"github.com/suPer8Hu/pixel-platform/internal/ledger"
	"github.com/suPer8Hu/pixel-platform/internal/orch"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/storage"
	"github.com/suPer8Hu/pixel-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/pixel-platform/internal/store/redisstore"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.AutoMigrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rds.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.PollQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit")
	}
	defer pub.Close()

	store, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Secure:        cfg.MinioSecure,
		Bucket:        cfg.MinioBucket,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}

	reg := provider.NewRegistry()
	reg.Register(provider.NewPixelboostAdapter(cfg.PixelboostBaseURL))
	reg.Register(provider.NewDreambrushAdapter(cfg.DreambrushBaseURL))
	reg.Register(provider.NewRetoucheAdapter(cfg.RetoucheBaseURL))

	ledgerRepo := ledger.NewRepo(gdb)

	svc, err := orch.NewService(
		task.NewRepo(gdb),
		ledgerRepo,
		keypool.NewPool(gdb),
		storage.NewRelay(store),
		rds,
		pub,
		reg,
		orch.Options{
			LockTTL:         cfg.CompletionLockTTL,
			PollBaseDelay:   cfg.PollBaseDelay,
			PollMaxDelay:    cfg.PollMaxDelay,
			PollMaxAttempts: cfg.PollMaxAttempts,
			CallbackBaseURL: cfg.CallbackBaseURL,
		},
		log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator")
	}

	h := handlers.NewHandler(svc, ledgerRepo, log)
	r := httpapi.NewRouter(h, cfg.QueueTokenSecret, log)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Info().Str("addr", addr).Msg("api listening")
	if err := r.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
