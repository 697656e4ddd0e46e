package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sportsdata/gobox/broadcaster/breaker"
	gbxkfk "github.com/sportsdata/gobox/broadcaster/kafka"
	gbxamqp "github.com/sportsdata/gobox/broadcaster/rabbitmq"
	gbxredis "github.com/sportsdata/gobox/cache/redis"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/internal/config"
	"github.com/sportsdata/gobox/internal/ops"
	"github.com/sportsdata/gobox/internal/venues"
	gbxzap "github.com/sportsdata/gobox/logger/zap"
	gbxzrlg "github.com/sportsdata/gobox/logger/zerolog"
	gbxprom "github.com/sportsdata/gobox/metrics/prometheus"
	gbxgorm "github.com/sportsdata/gobox/repository/gorm"
	"github.com/sportsdata/gobox/repository/pgxv5"
	gbxsql "github.com/sportsdata/gobox/repository/sql"
	subkfk "github.com/sportsdata/gobox/subscriber/kafka"
	subamqp "github.com/sportsdata/gobox/subscriber/rabbitmq"
)

type txKey struct{}

func main() {
	cfg, err := config.New(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := GetLogger(cfg.Log)
	componentLogger, closeLogger, err := GetComponentLogger(cfg.Log, log)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build the component logger")
	}
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, componentLogger); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, componentLogger func(component string) gbx.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	defer pool.Close()

	outbox, inbox, err := repositories(cfg, pool)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters, err := gbxprom.NewCounters(reg, "sportsdata")
	if err != nil {
		return err
	}

	b, closeBroadcaster, err := broadcaster(cfg)
	if err != nil {
		return err
	}
	defer closeBroadcaster()

	var cache gbx.ProcessedCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		cache = gbxredis.New(client, cfg.Redis.TTL)
	}
	g := gbx.New(cfg.Gobox.Settings(), outbox, inbox, b,
		gbx.WithLogger(componentLogger("gobox")),
		gbx.WithCounters(counters),
		gbx.WithProcessedCache(cache),
	)

	handler := ops.NewHandler(g, componentLogger("ops"))
	if cfg.App.Backend == config.BackendPgx {
		if err := venues.NewProjector(txKey{}, pool, g).Register(g.Registry()); err != nil {
			return err
		}
		handler.WithVenues(venues.NewService(txKey{}, pool, g))
	} else {
		log.Warn().Str("backend", cfg.App.Backend).Msg("venue projection needs the pgx backend, skipped")
	}

	sub, closeSubscriber, err := subscriber(cfg, g)
	if err != nil {
		return err
	}
	defer closeSubscriber()
	if l, ok := sub.(gbx.Loggable); ok {
		l.SetLogger(componentLogger("subscriber"))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           ops.NewRouter(handler, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	g.Start(ctx)
	eg.Go(func() error {
		g.Wait()
		return nil
	})
	eg.Go(func() error {
		return sub.Run(ctx)
	})
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func repositories(cfg *config.Config, pool *pgxpool.Pool) (gbx.OutboxRepository, gbx.InboxRepository, error) {
	switch cfg.App.Backend {
	case config.BackendSql:
		db, err := sql.Open("pgx", cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open database: %w", err)
		}
		return gbxsql.New(txKey{}, db), gbxsql.NewInbox(db), nil
	case config.BackendGorm:
		db, err := gorm.Open(gormpg.Open(cfg.Postgres.DSN()), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open database: %w", err)
		}
		return gbxgorm.New(txKey{}, db), gbxgorm.NewInbox(db), nil
	default:
		return pgxv5.New(txKey{}, pool), pgxv5.NewInbox(pool), nil
	}
}

func broadcaster(cfg *config.Config) (gbx.Broadcaster, func(), error) {
	settings := breaker.DefaultSettings(cfg.App.Transport)
	settings.ConsecutiveFailures = cfg.Breaker.ConsecutiveFailures
	settings.OpenTimeout = cfg.Breaker.OpenTimeout

	switch cfg.App.Transport {
	case config.TransportRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		if err := ch.ExchangeDeclare(cfg.RabbitMQ.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, nil, err
		}
		b, err := gbxamqp.New(ch, cfg.RabbitMQ.Exchange)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return breaker.New(b, settings), func() { conn.Close() }, nil
	default:
		p, err := GetProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create kafka producer: %w", err)
		}
		return breaker.New(gbxkfk.New(p), settings), func() {
			p.Flush(5000)
			p.Close()
		}, nil
	}
}

type runner interface {
	Run(ctx context.Context) error
}

func subscriber(cfg *config.Config, g *gbx.Gobox) (runner, func(), error) {
	eventTypes := g.Registry().EventTypes()

	switch cfg.App.Transport {
	case config.TransportRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		q, err := ch.QueueDeclare(cfg.RabbitMQ.Queue, true, false, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		for _, t := range eventTypes {
			if err := ch.QueueBind(q.Name, gbxamqp.RoutingKey(t), cfg.RabbitMQ.Exchange, false, nil); err != nil {
				conn.Close()
				return nil, nil, err
			}
		}
		s := subamqp.New(ch, g, subamqp.Settings{Queue: q.Name, Tag: cfg.App.Name, Prefetch: cfg.RabbitMQ.Prefetch})
		return s, func() { conn.Close() }, nil
	default:
		topics := cfg.Kafka.Topics
		for _, t := range eventTypes {
			topics = appendUnique(topics, gbxkfk.BuildTopicName(t))
		}
		r := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.GroupId,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
		return subkfk.New(r, g, subkfk.DefaultSettings()), func() {}, nil
	}
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

func GetLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if cfg.Format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		l = zerolog.New(os.Stdout)
	}
	return l.Level(level).With().Timestamp().Logger()
}

// GetComponentLogger returns the factory of the loggers handed to the
// library components, backed by the configured driver.
func GetComponentLogger(cfg config.Log, log zerolog.Logger) (func(component string) gbx.Logger, func(), error) {
	if cfg.Driver != config.LogDriverZap {
		return func(component string) gbx.Logger { return gbxzrlg.New(log, component) }, func() {}, nil
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zc.Level = level
	zl, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	return func(component string) gbx.Logger { return gbxzap.New(zl, component) }, func() { _ = zl.Sync() }, nil
}

func GetProducer(cfg config.Kafka) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
