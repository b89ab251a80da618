// README: Process wiring shared by the API server and the admin CLI: store, cache, routing, notifications, service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"carpool/internal/config"
	"carpool/internal/infra"
	"carpool/internal/maps"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/notify"
	"carpool/internal/types"
)

// App holds the live dependencies of one process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    matching.Store
	Redis    *redis.Client
	Locker   matching.Locker
	Service  *matching.Service
	Location *time.Location

	closers []func() error
}

// Open connects everything the configuration asks for. Redis, the maps API, FCM and Kafka
// are optional; without them the service runs on process-local cache, degraded proximity
// and log-only notifications.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	loc, err := time.LoadLocation(cfg.Destination.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("destination time zone: %w", err)
	}
	a.Location = loc

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	deps := matching.Deps{
		Store:       store,
		Logger:      logger,
		Destination: types.Point{Lat: cfg.Destination.Lat, Lng: cfg.Destination.Lng},
		Location:    loc,
		Matching:    cfg.Matching,
		Lifecycle:   cfg.Lifecycle,
	}

	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		deps.PathCache = matching.NewRedisPathCache(rdb, cfg.Redis.PathTTL)
		a.Locker = matching.NewRedisLocker(rdb, string(types.NewID()))
	}

	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.RatePerS, cfg.Maps.RateBurst)
		if err != nil {
			return nil, err
		}
		deps.Routes = routes
	} else {
		logger.Warn("no maps api key, proximity runs in degraded mode")
	}

	notifier, err := a.openNotifier(ctx)
	if err != nil {
		return nil, err
	}
	deps.Notifier = notifier

	a.Service = matching.NewService(deps)
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) (matching.Store, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "postgres":
		pool, err := infra.NewDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store := matching.NewPGStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	case "sqlite":
		store, err := matching.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "memory":
		a.Logger.Warn("in-memory store, state is lost on restart")
		return matching.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) openNotifier(ctx context.Context) (notify.Notifier, error) {
	cfg := a.Config.Notify
	multi := notify.NewMulti().Add("log", notify.NewLogNotifier(a.Logger))
	if cfg.FirebaseProjectID != "" {
		client, err := infra.NewFirebaseMessaging(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, err
		}
		multi.Add("fcm", notify.NewFCMNotifier(client))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, k.Close)
		multi.Add("kafka", k)
	}
	return multi, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
