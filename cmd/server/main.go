package main

import (
	"context"
	"errors"
	"log"
	"time"

	"driftchat/internal/notify"
	"driftchat/internal/realtime"
	"driftchat/internal/server"
	"driftchat/internal/storage"

	"github.com/caarlos0/env/v6"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type redisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_KEY_PREFIX" envDefault:"dc:"`
}

type pushConfig struct {
	ServerKey string `env:"FCM_SERVER_KEY"`
}

func main() {
	// .env is optional; plain environment variables always work
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}
	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}
	redisCfg := redisConfig{}
	if err := env.Parse(&redisCfg); err != nil {
		sugar.Fatalf("Cannot parse redis env config: %v", err)
	}
	pushCfg := pushConfig{}
	if err := env.Parse(&pushCfg); err != nil {
		sugar.Fatalf("Cannot parse push env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, storageCfg,
		storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		sugar.Fatalf("Cannot connect to redis: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}
	queueClient := asynq.NewClient(redisOpt)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := realtime.NewHub(sugar, rdb, redisCfg.Prefix)
	go hub.Run(hubCtx)

	dispatcher := notify.NewDispatcher(sugar, queueClient, hub)
	gate := notify.NewGate(rdb, redisCfg.Prefix)
	transport := notify.NewFCMTransport(pushCfg.ServerKey)
	worker := notify.NewWorker(sugar, store, gate, transport, store)

	workerServer := notify.NewServer(sugar, redisOpt, worker)
	go workerServer.Start()

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every 1m", notify.NewSweepTask(), asynq.Queue("low")); err != nil {
		sugar.Fatalf("Cannot register reaper sweep: %v", err)
	}
	go func() {
		if err := scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			sugar.Errorf("Scheduler stopped: %v", err)
		}
	}()

	srv, err := server.NewServer(sugar, serverCfg, store, hub, dispatcher,
		func() { scheduler.Shutdown() },
		func() { workerServer.Shutdown() },
		func() { stopHub() },
		func() {
			if err := queueClient.Close(); err != nil {
				sugar.Errorf("Closing queue client: %v", err)
			}
		},
		func() {
			if err := rdb.Close(); err != nil {
				sugar.Errorf("Closing redis client: %v", err)
			}
		},
		func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		},
	)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
