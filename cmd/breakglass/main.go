package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"breakglass/pkg/audit"
	"breakglass/pkg/config"
	"breakglass/pkg/events"
	"breakglass/pkg/github"
	"breakglass/pkg/jira"
	"breakglass/pkg/logging"
	"breakglass/pkg/metrics"
	"breakglass/pkg/publish"
	"breakglass/pkg/ratelimit"
	"breakglass/pkg/session"
	"breakglass/pkg/slack"
	"breakglass/pkg/store"
	"breakglass/pkg/stream"
	"breakglass/pkg/telemetry"
	"breakglass/pkg/tickets"
	"breakglass/pkg/webhook"
)

type (
	initTelemetryFunc func(ctx context.Context, cfg telemetry.Config, log zerolog.Logger) (func(context.Context) error, error)
	openRedisFunc     func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
	openAuditFunc     func(ctx context.Context, cfg config.Audit, log zerolog.Logger) (*audit.Writer, func(), error)
	openEventsFunc    func(cfg config.Kafka, log zerolog.Logger) (*events.Producer, error)
	listenFunc        func(ctx context.Context, server *http.Server) error
)

// deps are the process-level collaborators main wires in; tests swap them.
type deps struct {
	loadConfig    func() (config.Config, error)
	initTelemetry initTelemetryFunc
	openRedis     openRedisFunc
	openAudit     openAuditFunc
	openEvents    openEventsFunc
	listen        listenFunc
}

var (
	logFatalf   = log.Fatalf
	defaultDeps = deps{
		loadConfig:    config.Load,
		initTelemetry: telemetry.Init,
		openRedis:     store.NewRedis,
		openAudit:     openAudit,
		openEvents:    openEvents,
		listen:        listenUntilSignal,
	}
)

func main() {
	if err := run(context.Background(), defaultDeps); err != nil {
		logFatalf("breakglass: %v", err)
	}
}

func run(ctx context.Context, d deps) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "breakglass"})

	shutdown, err := d.initTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := d.openRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory state")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	app, closeApp, err := build(ctx, cfg, logger, redisClient, d)
	if err != nil {
		return err
	}
	defer closeApp()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info().Str("addr", cfg.Addr).Str("repo", cfg.GitHub.Repo).Msg("breakglass listening")
	if d.listen == nil {
		return errors.New("listen function required")
	}
	err = d.listen(ctx, server)
	app.slack.Wait()
	app.sessions.Wait()
	return err
}

// build wires every component from cfg. The returned func releases the
// optional sinks.
func build(ctx context.Context, cfg config.Config, logger zerolog.Logger, redisClient *redis.Client, d deps) (*Server, func(), error) {
	cache := store.NewCache(ctx, redisClient)
	reg := metrics.NewRegistry()
	observe := func(service string) func(string, error, time.Duration) {
		return func(op string, err error, dur time.Duration) { reg.ObserveOutbound(service, op, err, dur) }
	}
	httpClient := func() *http.Client {
		return telemetry.InstrumentClient(&http.Client{Timeout: cfg.OutboundTimeout})
	}

	gh, err := github.NewClient(github.Config{
		BaseURL:    cfg.GitHub.APIURL,
		Token:      cfg.GitHub.Token,
		Repo:       cfg.GitHub.Repo,
		HTTPClient: httpClient(),
		Logger:     logger,
		Observe:    observe("github"),
	})
	if err != nil {
		return nil, nil, err
	}
	publisher := publish.New(gh, publish.Config{
		BaseBranch: cfg.GitHub.BaseBranch,
		Label:      cfg.GitHub.Label,
		Reviewers:  cfg.GitHub.Reviewers,
		Logger:     logger,
	})

	tracker, err := jira.New(jira.Config{
		Server:       cfg.Jira.Server,
		Email:        cfg.Jira.Email,
		APIToken:     cfg.Jira.APIToken,
		ProjectKey:   cfg.Jira.ProjectKey,
		IssueType:    cfg.Jira.IssueType,
		CustomFields: cfg.Jira.CustomFields,
		HTTPClient:   httpClient(),
		Logger:       logger,
		Observe:      observe("jira"),
	})
	if err != nil {
		return nil, nil, err
	}
	issuer := tickets.New(tracker, tickets.Config{ManagerEmail: cfg.ManagerEmail, Logger: logger})

	slackClient, err := slack.NewClient(slack.Config{
		Token:      cfg.Slack.Token,
		HTTPClient: httpClient(),
		Logger:     logger,
		Observe:    observe("slack"),
	})
	if err != nil {
		return nil, nil, err
	}
	transport := slack.NewTransport(slackClient, cfg.Slack.Channel)

	hub := stream.NewHub()
	sinks := []session.Sink{hub}
	var closers []func()
	var history historyReader
	if cfg.Audit.Enabled {
		writer, closeDB, err := d.openAudit(ctx, cfg.Audit, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: %w", err)
		}
		closers = append(closers, closeDB)
		sinks = append(sinks, writer)
		history = writer
	}
	if cfg.Kafka.Enabled {
		producer, err := d.openEvents(cfg.Kafka, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("kafka producer disabled")
		} else {
			closers = append(closers, func() { _ = producer.Close() })
			sinks = append(sinks, producer)
		}
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	manager := session.NewManager(session.Config{
		Store:     store.NewDesiredLists(cache, cfg.DesiredTTL),
		Locker:    store.NewLocker(cache),
		Records:   store.NewSessions(cache, cfg.SessionTTL),
		Transport: transport,
		Publisher: publisher,
		Issuer:    issuer,
		Sinks:     sinks,
		Metrics:   reg,
		Logger:    logger,
		LockTTL:   cfg.LockTTL,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Window)
	}

	return &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  reg,
		sessions: manager,
		policies: publisher,
		history:  history,
		hub:      hub,
		limiter:  limiter,
		slack: slack.NewHandler(slack.HandlerConfig{
			SigningSecret: cfg.Slack.SigningSecret,
			Sessions:      manager,
			Teams:         publisher,
			Picker:        transport,
			Logger:        logger,
		}),
		webhook: webhook.New(webhook.Config{
			Secret:     cfg.GitHub.WebhookSecret,
			Label:      cfg.GitHub.Label,
			Notifier:   manager,
			Deliveries: store.NewDeliveries(cache, cfg.DeliveryTTL),
			Logger:     logger,
		}),
	}, closeAll, nil
}

func openAudit(ctx context.Context, cfg config.Audit, logger zerolog.Logger) (*audit.Writer, func(), error) {
	pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	w := &audit.Writer{DB: pool, HashSalt: []byte(cfg.HashSalt), Redact: cfg.Redact, Logger: logger}
	if err := w.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return w, pool.Close, nil
}

func openEvents(cfg config.Kafka, logger zerolog.Logger) (*events.Producer, error) {
	return events.NewProducer(events.KafkaConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
}

// listenUntilSignal serves until SIGINT or SIGTERM, then drains in-flight
// requests.
func listenUntilSignal(ctx context.Context, server *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
