package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/config"
	"github.com/suPer8Hu/pixel-platform/internal/db"
	"github.com/suPer8Hu/pixel-platform/internal/keypool"
	"github.com/suPer8Hu/pixel-platform/internal/ledger"
	"github.com/suPer8Hu/pixel-platform/internal/orch"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/storage"
	"github.com/suPer8Hu/pixel-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/pixel-platform/internal/store/redisstore"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

const sweepInterval = time.Minute

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rds.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.PollQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
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

	svc, err := orch.NewService(
		task.NewRepo(gdb),
		ledger.NewRepo(gdb),
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.PollQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.PollQueue).Int("concurrency", concurrency).Msg("worker started")

	// Periodic timeout sweep: force-fails tasks stuck past their age ceiling
	// even if no poll message for them survives.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := svc.SweepTimeouts(ctx)
				if err != nil {
					log.Error().Err(err).Msg("timeout sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Int("swept", n).Msg("timeout sweep force-failed tasks")
				}
			}
		}
	}()

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.PollMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.TaskID == "" {
					log.Warn().Int("worker", workerID).Err(err).Msg("bad poll message")
					_ = d.Nack(false, false) // to DLQ
					continue
				}
				if m.Attempt < 1 {
					m.Attempt = 1
				}

				start := time.Now()
				if err := svc.HandleScheduledPoll(ctx, m.TaskID, m.Attempt); err != nil {
					log.Error().Int("worker", workerID).Str("task_id", m.TaskID).
						Dur("cost", time.Since(start)).Err(err).Msg("poll failed")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Error().Int("worker", workerID).Str("task_id", m.TaskID).
						Err(err).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
