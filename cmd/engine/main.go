package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"whatsapp-campaign-engine/internal/api"
	"whatsapp-campaign-engine/internal/config"
	"whatsapp-campaign-engine/internal/dispatch"
	"whatsapp-campaign-engine/internal/ratelimit"
	"whatsapp-campaign-engine/internal/reply"
	"whatsapp-campaign-engine/internal/scheduler"
	"whatsapp-campaign-engine/internal/store"
	"whatsapp-campaign-engine/internal/transport"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.SendRateCapacity, cfg.SendRatePerSec, time.Hour)

	sender := transport.NewClient(transport.Options{
		BaseURL:            cfg.WhatsAppBaseURL,
		Token:              cfg.WhatsAppToken,
		PhoneID:            cfg.WhatsAppPhoneID,
		DefaultCountryCode: cfg.DefaultCountryCode,
		Timeout:            cfg.SendTimeout,
	})

	dispatcher := dispatch.New(st, sender, limiter, log, dispatch.Options{
		BatchSize:   cfg.BatchSize,
		SendTimeout: cfg.SendTimeout,
		DedupWindow: cfg.DedupWindow,
	})

	sched := scheduler.New(st, dispatcher, log, scheduler.Options{
		JobTTL:        cfg.JobTTL,
		SweepInterval: cfg.SweepInterval,
		MissedWindow:  cfg.MissedWindow,
	})
	if err := sched.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}
	go sched.RunSweeper(ctx)

	observer := reply.New(st, log, cfg.DefaultCountryCode)

	server := api.NewServer(sched, st, observer, log, cfg.DefaultCountryCode)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("engine listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Shutdown()
}
