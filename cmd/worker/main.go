package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dojotrack/internal/config"
	"dojotrack/internal/queue"
	"dojotrack/internal/store"
	"dojotrack/internal/webhook"
)

// Worker consumes check-in events and forwards them to the configured
// webhook receiver.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var events queue.Queue
	if cfg.QueueBackend == "memory" {
		events = queue.NewInMemory(64)
	} else {
		events = queue.NewRedisQueue(redisClient.Client, "dojotrack:checkins")
	}

	hook := webhook.New(cfg.WebhookURL, cfg.WebhookSkip)
	if !cfg.WebhookSkip {
		if err := hook.Health(ctx); err != nil {
			log.Printf("WARNING: webhook receiver not available: %v", err)
			log.Println("Worker will retry delivery when events arrive")
		} else {
			log.Println("Webhook receiver connected")
		}
	}

	messages, err := events.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for check-in events...")
	for evt := range messages {
		log.Printf("check-in %d: member %d session %d method %s", evt.CheckInID, evt.MemberID, evt.SessionID, evt.Method)
		if err := hook.Notify(ctx, evt); err != nil {
			log.Printf("webhook delivery failed for check-in %d: %v", evt.CheckInID, err)
		}
	}

	log.Println("worker stopped")
}
