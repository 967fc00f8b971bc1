package app

import (
	"context"
	"fmt"
	"time"

	"CMMPayWatch/internal/address"
	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/config"
	"CMMPayWatch/internal/db"
	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/ingress"
	"CMMPayWatch/internal/notifier"
	"CMMPayWatch/internal/pricing"
	"CMMPayWatch/internal/services"
	"CMMPayWatch/internal/store"
	"CMMPayWatch/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type repository interface {
	engine.Repository
	services.Orders
	worker.PendingOrders
	address.IndexAllocator
}

// App holds the wired components shared by the binaries.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    repository
	Engine   *engine.Engine
	Orders   services.OrderService
	Callback *ingress.Ingress
	Poller   *ingress.Ingress

	closers []func()
}

// Build connects to Postgres (and Redis when configured) and wires every
// component from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	locks, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(store.New(pool), locks); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// BuildWithStore wires the components on top of an existing repository with
// in-process locking.
func BuildWithStore(cfg *config.Config, logger *zap.Logger, repo repository) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.wire(repo, engine.NewKeyedMutex()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) wire(repo repository, locks engine.Locker) error {
	cfg := a.Config
	a.Store = repo

	sources, err := pricing.SourcesFromConfig(cfg.Rates.Sources, seconds(cfg.Rates.TimeoutSeconds))
	if err != nil {
		return err
	}
	rates, err := pricing.NewProvider(cfg.Rates.Policy, sources, a.Logger.Named("pricing"))
	if err != nil {
		return err
	}

	addrs, err := a.addressProvider(repo)
	if err != nil {
		return err
	}

	a.Engine = engine.New(repo, locks, a.notifiers(), a.Logger.Named("engine"))
	a.Orders = services.OrderService{
		Store:                 repo,
		Addresses:             addrs,
		Rates:                 rates,
		ConfirmationsRequired: cfg.Gateway.ConfirmationsRequired,
		StoreCurrency:         cfg.Gateway.StoreCurrency,
		Logger:                a.Logger.Named("orders"),
	}
	a.Callback = ingress.New(repo, a.Engine, cfg.Gateway.ExpectedOrigin, a.Logger.Named("callback"))
	a.Poller = ingress.New(repo, a.Engine, cfg.Explorer.Origin, a.Logger.Named("poller"))
	return nil
}

func (a *App) addressProvider(indexes address.IndexAllocator) (address.Provider, error) {
	cfg := a.Config
	switch cfg.Gateway.Provider {
	case config.ProviderForwarding:
		return address.NewForwarding(
			cfg.Forwarding.APIURL,
			cfg.Wallet.MerchantAddress,
			cfg.Gateway.CallbackURL,
			cfg.Gateway.ExpectedOrigin,
			seconds(cfg.Forwarding.TimeoutSeconds),
		), nil
	case config.ProviderDerivation:
		version, err := chain.ParseVersion(cfg.Wallet.AddressVersion)
		if err != nil {
			return nil, err
		}
		return address.NewDerivation(cfg.Wallet.MasterPublicKey, version, indexes), nil
	}
	return nil, fmt.Errorf("gateway.provider %q is not supported", cfg.Gateway.Provider)
}

func (a *App) notifiers() notifier.Notifier {
	cfg := a.Config.Notify
	multi := notifier.NewMulti(a.Logger.Named("notify"))
	multi.Add("log", notifier.Log{Logger: a.Logger.Named("completion")})

	if cfg.WebhookURL != "" {
		multi.Add("webhook", notifier.NewWebhook(cfg.WebhookURL, a.Config.Gateway.AutocompletePaidOrders, cfg.WebhookRetries))
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		w := notifier.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, func() { _ = w.Close() })
		multi.Add("kafka", notifier.Kafka{Writer: w})
	}
	if cfg.AdminEmail != "" && cfg.SMTP.Host != "" {
		sender := notifier.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		multi.Add("email", notifier.AdminEmail{To: cfg.AdminEmail, Sender: sender})
	}
	return multi
}

func (a *App) locker(ctx context.Context) (engine.Locker, error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return engine.NewKeyedMutex(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Logger.Info("redis connected", zap.String("addr", cfg.Addr))

	l := engine.NewRedisLocker(client, seconds(cfg.LockTTLSeconds))
	l.OnReleaseError = func(key string, err error) {
		a.Logger.Warn("order lock release failed", zap.String("order_id", key), zap.Error(err))
	}
	return l, nil
}

// Worker builds the explorer poller. It needs explorer endpoints in the config.
func (a *App) Worker() (*worker.Worker, error) {
	cfg := a.Config.Explorer
	explorer, err := chain.NewMultiRPCClient(cfg.Endpoints, cfg.FailoverThreshold)
	if err != nil {
		return nil, err
	}
	ws := cfg.WSEndpoint
	if ws == "" {
		ws = chain.DefaultWSEndpoint(explorer.BaseURL())
	}
	return &worker.Worker{
		Orders:     a.Store,
		Explorer:   explorer,
		Ingress:    a.Poller,
		Sightings:  a.Engine,
		MaxPages:   cfg.MaxPages,
		Interval:   seconds(cfg.PollIntervalSeconds),
		WSEndpoint: ws,
		Logger:     a.Logger.Named("worker"),
	}, nil
}

// Close waits for in-flight completion notifications, then releases
// connections in reverse order of acquisition.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
