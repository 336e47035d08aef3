package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/config"
	"github.com/md-rashed-zaman/funnelscope/libs/db"
	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	"github.com/md-rashed-zaman/funnelscope/libs/kafkax"
	"github.com/md-rashed-zaman/funnelscope/libs/runtime"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/outbox"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/reportcache"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/storage"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/vendor"
	"github.com/redis/go-redis/v9"
)

// deps holds the external connections of the process.
type deps struct {
	store       storage.Store
	vendor      vendor.Tracker
	redis       *redis.Client
	readyChecks []runtime.ReadyCheck
	closers     []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func openDeps(ctx context.Context, logger *slog.Logger) (*deps, error) {
	d := &deps{}
	if err := d.openStore(ctx, logger); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.openBehaviorStore(ctx, logger); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.openVendor(logger); err != nil {
		d.Close()
		return nil, err
	}
	d.openRedis(logger)
	return d, nil
}

func (d *deps) openStore(ctx context.Context, logger *slog.Logger) error {
	driver := strings.ToLower(config.String("STORE_DRIVER", "sqlite"))
	switch driver {
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return err
		}
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("db connection failed: %w", err)
		}
		outboxRepo := outbox.NewRepository()
		pg := storage.NewPostgres(pool, outboxRepo)
		d.closers = append(d.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		d.store = pg
		d.readyChecks = append(d.readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		brokers := config.String("KAFKA_BROKERS", "")
		if brokers != "" {
			publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
				Brokers:   brokers,
				PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
			})
			go publisher.Run(ctx)
			d.readyChecks = append(d.readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		}
		logger.Info("store opened", "driver", driver)
	case "sqlite":
		path := config.String("SQLITE_PATH", "funnel.db")
		lite, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", path, err)
		}
		d.closers = append(d.closers, lite.Close)
		d.store = lite
		d.readyChecks = append(d.readyChecks, runtime.ReadyCheck{Name: "db", Check: lite.Ping})
		logger.Info("store opened", "driver", driver, "path", path)
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite (got %q)", driver)
	}
	return nil
}

// openBehaviorStore moves behavioral events to ClickHouse when CLICKHOUSE_ADDR is set.
func (d *deps) openBehaviorStore(ctx context.Context, logger *slog.Logger) error {
	addrs := config.List("CLICKHOUSE_ADDR", "")
	if len(addrs) == 0 {
		return nil
	}
	ch, err := storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
		Addr:     addrs,
		Database: config.String("CLICKHOUSE_DB", "default"),
		Username: config.String("CLICKHOUSE_USERNAME", "default"),
		Password: config.String("CLICKHOUSE_PASSWORD", ""),
	})
	if err != nil {
		return fmt.Errorf("open clickhouse: %w", err)
	}
	d.closers = append(d.closers, ch.Close)
	d.store = storage.WithBehavior(d.store, ch)
	d.readyChecks = append(d.readyChecks, runtime.ReadyCheck{Name: "clickhouse", Check: ch.Ping})
	logger.Info("behavior events routed to clickhouse", "addr", strings.Join(addrs, ","))
	return nil
}

func (d *deps) openVendor(logger *slog.Logger) error {
	kind := strings.ToLower(config.String("VENDOR", "none"))
	switch kind {
	case "ga4":
		ga, err := vendor.NewGA4(vendor.GA4Config{
			MeasurementID: config.String("GA4_MEASUREMENT_ID", ""),
			APISecret:     config.String("GA4_API_SECRET", ""),
			Endpoint:      config.String("GA4_ENDPOINT", vendor.DefaultGA4Endpoint),
		})
		if err != nil {
			return err
		}
		d.vendor = ga
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "")
		k, err := vendor.NewKafka(brokers, config.String("VENDOR_TOPIC", vendor.DefaultTopic))
		if err != nil {
			return err
		}
		d.closers = append(d.closers, k.Close)
		d.vendor = k
	case "none", "":
		return nil
	default:
		return fmt.Errorf("VENDOR must be ga4, kafka or none (got %q)", kind)
	}
	logger.Info("vendor analytics enabled", "vendor", kind)
	return nil
}

func (d *deps) openRedis(logger *slog.Logger) {
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return
	}
	d.redis = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	d.closers = append(d.closers, d.redis.Close)
	d.readyChecks = append(d.readyChecks, runtime.ReadyCheck{Name: "redis", Check: reportcache.ReadyCheck(d.redis)})
	logger.Info("redis enabled", "addr", addr)
}

func (d *deps) rateLimit(logger *slog.Logger, perMinute int) httpx.Middleware {
	if d.redis != nil {
		rl := httpx.NewRedisRateLimiter(d.redis, perMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "funnel:rl"))
		logger.Info("rate limiting enabled (redis)", "per_minute", perMinute)
		return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute)
	return httpx.NewRateLimiter(perMinute, time.Minute).Middleware()
}
