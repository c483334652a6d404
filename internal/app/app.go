package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stablepay/internal/alerting"
	"stablepay/internal/api"
	"stablepay/internal/chain"
	"stablepay/internal/config"
	"stablepay/internal/fetcher"
	"stablepay/internal/ledger"
	"stablepay/internal/metrics"
	"stablepay/internal/ratecache"
	"stablepay/internal/reconciler"
	"stablepay/internal/signer"
	"stablepay/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore returns the remote ledger client when database.ledger_url is set and
// the local database otherwise.
func (a *App) openStore(ctx context.Context, migrate bool) (ledger.Store, func(), error) {
	if url := strings.TrimSpace(a.Config.Database.LedgerURL); url != "" {
		client, err := api.NewClient(api.ClientOptions{
			BaseURL:   url,
			APIKey:    a.Config.Server.APIKey,
			Timeout:   a.Config.Server.WriteTimeout,
			UserAgent: version.UserAgent(),
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	backend, err := ledger.Open(ctx, a.Config.Database, migrate)
	if err != nil {
		return nil, nil, err
	}
	return backend, backend.Close, nil
}

func (a *App) newRateCache() *ratecache.Manager {
	rc := a.Config.Rates
	amount, err := decimal.NewFromString(rc.Amount)
	if err != nil {
		amount = decimal.NewFromInt(1)
	}

	source := fetcher.NewHTTPSource(fetcher.HTTPOptions{
		BaseURL:   rc.BaseURL,
		APIKey:    rc.APIKey,
		Timeout:   rc.RequestTimeout,
		UserAgent: version.UserAgent(),
	}, a.Logger)

	manager := ratecache.New(source, ratecache.Options{
		BaseAsset:       rc.BaseAsset,
		Amount:          amount,
		StalenessWindow: rc.StalenessWindow,
		RefreshInterval: rc.RefreshInterval,
		MaxConcurrency:  rc.MaxConcurrency,
		Pacing:          rc.Pacing,
		MaxRetries:      rc.MaxRetries,
		RetryDelay:      rc.RetryDelay,
		Fallback:        a.Config.FallbackRates(),
		Metrics:         metrics.Default(),
	}, a.Logger)
	manager.Track(a.Config.ResolveCurrencies(nil)...)
	return manager
}

func (a *App) newChainClient() *chain.Client {
	return chain.NewClient(chain.ClientOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newSigner(backend chain.Backend) (signer.Signer, error) {
	sc := a.Config.Signer
	switch strings.ToLower(sc.Mode) {
	case "relay":
		if !common.IsHexAddress(sc.Wallet) {
			return nil, fmt.Errorf("%w: signer.wallet not configured", signer.ErrNotConnected)
		}
		return signer.NewRelay(backend, signer.RelayOptions{
			URL:          sc.RelayURL,
			APIKey:       sc.RelayAPIKey,
			Wallet:       common.HexToAddress(sc.Wallet),
			Timeout:      a.Config.Ethereum.RequestTimeout,
			PollInterval: sc.RelayPoll,
			ReceiptPoll:  a.Config.Ethereum.PollInterval,
		}, a.Logger)
	default:
		var chainID *big.Int
		if a.Config.Ethereum.ChainID > 0 {
			chainID = big.NewInt(a.Config.Ethereum.ChainID)
		}
		return signer.NewDirect(backend, sc.PrivateKey, signer.DirectOptions{
			ChainID:      chainID,
			PollInterval: a.Config.Ethereum.PollInterval,
			GasBufferPct: a.Config.Ethereum.GasLimitBufferP,
		}, a.Logger)
	}
}

// newQuoter resolves hub tokens given either as symbols or as addresses.
func (a *App) newQuoter(backend chain.Backend, registry *chain.Registry) (*chain.Quoter, error) {
	if !common.IsHexAddress(a.Config.Ethereum.RouterAddress) {
		return nil, errors.New("ethereum.router_address not configured")
	}

	hubs := make([]common.Address, 0, len(a.Config.Ethereum.HubTokens))
	for _, hub := range a.Config.Ethereum.HubTokens {
		if common.IsHexAddress(hub) {
			hubs = append(hubs, common.HexToAddress(hub))
			continue
		}
		tok, err := registry.Lookup(hub)
		if err != nil {
			return nil, fmt.Errorf("ethereum.hub_tokens: %w", err)
		}
		hubs = append(hubs, tok.Address)
	}
	return chain.NewQuoter(backend, common.HexToAddress(a.Config.Ethereum.RouterAddress), hubs, a.Logger), nil
}

// newSink wraps the configured notifiers in the async emitter. Without any
// channel notifications are discarded.
func (a *App) newSink() (alerting.Sink, func(), error) {
	notifier, closeNotifier, err := alerting.Build(a.Config.Alerting, version.UserAgent(), a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if notifier == nil {
		return alerting.Discard{}, func() { _ = closeNotifier() }, nil
	}

	emitter := alerting.NewEmitter(notifier, alerting.EmitterOptions{
		QueueSize: a.Config.Alerting.QueueSize,
		Metrics:   metrics.Default(),
	}, a.Logger)

	closer := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := emitter.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("notification queue not drained")
		}
		if err := closeNotifier(); err != nil {
			a.Logger.Warn().Err(err).Msg("close notifiers")
		}
	}
	return emitter, closer, nil
}

func (a *App) newReconciler(store ledger.Store, receipts reconciler.ReceiptSource, sink alerting.Sink) *reconciler.Reconciler {
	rc := a.Config.Reconciler
	return reconciler.New(reconciler.Options{
		Interval:  rc.Interval,
		MinAge:    rc.MinAge,
		BatchSize: rc.BatchSize,
		LockKey:   rc.LockKey,
		Metrics:   metrics.Default(),
	}, store, receipts, sink, a.Logger)
}

// Run serves the ledger API and keeps the rate cache and the pending sweep running
// until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	defer closeSink()

	rates := a.newRateCache()

	var sweeper *reconciler.Reconciler
	if a.Config.Reconciler.Enabled {
		eth := a.newChainClient()
		defer eth.Close()

		s, err := a.newSigner(eth)
		switch {
		case errors.Is(err, signer.ErrNotConnected):
			a.Logger.Warn().Err(err).Msg("signer not configured; reconciler disabled")
		case err != nil:
			return err
		default:
			sweeper = a.newReconciler(store, s, sink)
		}
	}

	server := api.New(api.Config{
		Store:   store,
		Rates:   rates,
		APIKey:  a.Config.Server.APIKey,
		Metrics: api.DefaultMetricsHandler(),
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, api.ServeOptions{
			Addr:         a.Config.Server.ListenAddress,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
		})
	})
	g.Go(func() error { return rates.Run(gctx) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	a.Logger.Info().
		Str("listen", a.Config.Server.ListenAddress).
		Strs("currencies", rates.Tracked()).
		Bool("reconciler", sweeper != nil).
		Msg("starting settlement service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}
