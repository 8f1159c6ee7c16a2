package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/events"
	"github.com/ose-micro/events/config"
	"github.com/ose-micro/events/internal/telemetry"
	"github.com/ose-micro/events/relay"
	"github.com/thejerf/suture/v4"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

type UserCreated struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (UserCreated) EventName() string { return "user.created" }

type welcomeMailer struct {
	log logger.Logger
}

func (m *welcomeMailer) Handle(ctx context.Context, event UserCreated) error {
	fields := []any{zap.String("user_id", event.ID), zap.String("name", event.Name)}
	if env, ok := events.EnvelopeFromContext(ctx); ok {
		fields = append(fields, zap.String("event_id", env.ID.String()))
	}
	m.log.Info("sending welcome mail", fields...)
	return nil
}

func main() {
	path := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		panic(err)
	}

	log, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer log.Zap().Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Zap().Sugar().Infof)); err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdown, err := telemetry.Setup(cfg.Tracing, log)
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	b, err := cfg.OpenBus(ctx, log)
	if err != nil {
		log.Fatal("failed to open bus", zap.String("transport", cfg.Transport), zap.Error(err))
	}
	defer b.Close()

	dispatcher := events.NewFromConfig(cfg.Dispatcher,
		events.WithLogger(log),
		events.WithTracer(tp.Tracer("github.com/ose-micro/events/example")),
	)
	registry := events.NewRegistry()
	if err := events.Register[UserCreated](registry, UserCreated{}.EventName()); err != nil {
		log.Fatal("failed to register event", zap.Error(err))
	}
	if _, err := events.Subscribe[UserCreated](dispatcher, UserCreated{}.EventName(), &welcomeMailer{log: log}); err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	sup := suture.New("events-example", suture.Spec{EventHook: eventHook(log)})
	sup.Add(relay.NewConsumer(b, dispatcher, registry,
		relay.WithConsumerLogger(log),
		relay.WithConsumerPrefix(cfg.SubjectPrefix),
		relay.WithQueue(cfg.Queue),
	))
	errs := sup.ServeBackground(ctx)

	publisher := relay.NewPublisher(b,
		relay.WithPublisherLogger(log),
		relay.WithPublisherPrefix(cfg.SubjectPrefix),
	)

	// Publish a test event
	go func() {
		time.Sleep(2 * time.Second) // wait for subscriber to be ready
		err := publisher.Publish(ctx, UserCreated{ID: "user-123", Name: "Dev Isho"})
		if err != nil {
			log.Error("publish failed", zap.Error(err))
		}
	}()

	log.Info("example running, press Ctrl+C to exit", zap.String("transport", cfg.Transport))
	<-ctx.Done()
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("supervisor stopped", zap.Error(err))
	}
}

var sutureEventLabels = map[suture.EventType]string{
	suture.EventTypeStopTimeout:      "timeout",
	suture.EventTypeServicePanic:     "panic",
	suture.EventTypeServiceTerminate: "terminate",
	suture.EventTypeBackoff:          "backoff",
	suture.EventTypeResume:           "resume",
}

func eventHook(log logger.Logger) suture.EventHook {
	return func(e suture.Event) {
		log.Warn("suture."+sutureEventLabels[e.Type()],
			zap.String("message", e.String()),
			zap.Any("details", e.Map()),
		)
	}
}
