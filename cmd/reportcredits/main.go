package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sportsight/reportcredits/pkg/config"
	"github.com/sportsight/reportcredits/pkg/credits"
	"github.com/sportsight/reportcredits/pkg/httpserver"
	"github.com/sportsight/reportcredits/pkg/logger"
	"github.com/sportsight/reportcredits/pkg/pg"
	"github.com/sportsight/reportcredits/pkg/redis"
)

type appConfig struct {
	Logger  logger.Config
	Server  httpserver.Config
	Pg      pg.Config
	Redis   redis.Config
	Stripe  credits.StripeConfig
	Billing credits.BillingConfig

	UserServiceURL string        `env:"USER_SERVICE_URL,required"`
	CatalogPath    string        `env:"PLAN_CATALOG_PATH"`
	EventDedupeTTL time.Duration `env:"EVENT_DEDUPE_TTL" envDefault:"72h"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger, logger.WithAttr(slog.String("app", "reportcredits")))
	logger.SetAsDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.Pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.Pg, log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	provider, err := credits.NewStripeProvider(cfg.Stripe)
	if err != nil {
		return err
	}

	catalog := credits.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = credits.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
	}

	store := credits.NewPgStore(pool)
	users := newUserDirectory(cfg.UserServiceURL)

	service := credits.NewService(store, provider, catalog, users, cfg.Billing,
		credits.WithServiceLogger(log))
	reconciler := credits.NewReconciler(store, provider, catalog, users,
		credits.WithReconcilerLogger(log),
		credits.WithEventDeduper(credits.NewRedisEventDeduper(rdb, cfg.EventDedupeTTL)))
	handler := credits.NewHandler(service, reconciler, provider,
		credits.WithHandlerLogger(log))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	handler.Routes(r)

	log.InfoContext(ctx, "starting report credits service")
	return httpserver.New(cfg.Server, log).Run(ctx, r)
}
