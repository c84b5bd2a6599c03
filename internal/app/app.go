package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"flashlev/internal/alerts"
	"flashlev/internal/config"
	"flashlev/internal/engine"
	"flashlev/internal/history"
	"flashlev/internal/ledger"
	"flashlev/internal/metrics"
	"flashlev/internal/oracle"
	"flashlev/internal/registry"
	"flashlev/internal/sim"
	"flashlev/internal/state/sqlite"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// The engine's custody account and the loan provider in the simulated
// environment. Real deployments swap the sim collaborators for live
// adapters; the addresses only need to be distinct.
var (
	custodyAddress  = common.HexToAddress("0x00000000000000000000000000000000000f1a50")
	providerAddress = common.HexToAddress("0x00000000000000000000000000000000000f1a51")
)

const (
	defaultSwapHaircutBps = 30
	simSeedLiquidity      = "1000000000000000000000000000"
)

type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	book    *ledger.Ledger
	eng     *engine.Engine
	prices  *oracle.Resolver
	feedWS  *oracle.WSFeedClient
	prom    *metrics.Prometheus
	met     *metrics.Metrics
	history *history.Writer
	alerts  *alerts.Telegram
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	book := ledger.New(store)

	prices := oracle.NewResolver()
	markets := registry.NewMarkets()
	var feedWS *oracle.WSFeedClient
	for _, entry := range cfg.Feeds {
		token := common.HexToAddress(entry.Token)
		if entry.Symbol != "" {
			if feedWS == nil {
				feedWS = oracle.NewWSFeedClient(cfg.FeedWS.URL, cfg.FeedWS.ReconnectDelay, cfg.FeedWS.PingInterval, log)
			}
			prices.Register(token, feedWS.SymbolFeed(entry.Symbol))
			continue
		}
		price, ok := new(big.Int).SetString(entry.Price, 10)
		if !ok || price.Sign() <= 0 {
			_ = store.Close()
			return nil, fmt.Errorf("feeds: bad static price %q for %s", entry.Price, entry.Token)
		}
		prices.Register(token, oracle.NewStaticFeed(price, entry.Decimals))
	}

	seed, _ := new(big.Int).SetString(simSeedLiquidity, 10)
	bank := sim.NewBank()
	lending := sim.NewLending(bank)
	loans := sim.NewLoans(bank, providerAddress, custodyAddress)
	for _, entry := range cfg.Markets {
		token := common.HexToAddress(entry.Token)
		market := common.HexToAddress(entry.Market)
		markets.Register(token, market)
		lending.AddMarket(market, token, seed)
		loans.Fund(token, seed)
	}
	swap := sim.NewSwap(bank, prices, custodyAddress, defaultSwapHaircutBps)
	ownership := sim.NewOwnership()

	var prom *metrics.Prometheus
	met := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		met = prom.Metrics
	}
	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	sink := func(ev engine.Event) {
		historyWriter.Enqueue(history.PositionEvent{
			Time:            ev.Time,
			Kind:            string(ev.Kind),
			PositionID:      ev.PositionID,
			Owner:           ev.Owner.Hex(),
			CollateralToken: ev.CollateralToken.Hex(),
			DebtToken:       ev.DebtToken.Hex(),
			Collateral:      bigString(ev.Collateral),
			Debt:            bigString(ev.Debt),
			Seized:          bigString(ev.Seized),
			Repaid:          bigString(ev.Repaid),
			BadDebt:         bigString(ev.BadDebt),
			HealthFactor:    bigString(ev.HealthFactor),
		})
	}

	eng, err := engine.New(engine.Options{
		Log:     log,
		Metrics: met,
		Collaborators: engine.Collaborators{
			Bank:      bank,
			Lending:   lending,
			Swap:      swap,
			Loans:     loans,
			Ownership: ownership,
		},
		Oracle:              prices,
		Markets:             markets,
		Book:                book,
		Self:                custodyAddress,
		Admin:               common.HexToAddress(cfg.Engine.Admin),
		ProtocolFeeBps:      uint32(cfg.Engine.ProtocolFeeBps),
		FeeRecipient:        common.HexToAddress(cfg.Engine.FeeRecipient),
		LiquidationBonusBps: uint32(cfg.Engine.LiquidationBonusBps),
		Sink:                sink,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	loans.SetHandler(eng.HandleLoan)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		book:    book,
		eng:     eng,
		prices:  prices,
		feedWS:  feedWS,
		prom:    prom,
		met:     met,
		history: historyWriter,
		alerts:  alertsClient,
	}, nil
}

// Engine exposes the wired engine for embedding callers.
func (a *App) Engine() *engine.Engine {
	return a.eng
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.book.Load(ctx); err != nil {
		return fmt.Errorf("load position ledger: %w", err)
	}
	a.met.OpenPositions.Set(float64(a.book.Count()))
	a.log.Info("position ledger loaded", zap.Int("positions", a.book.Count()))

	a.history.Start(ctx)
	if a.feedWS != nil {
		go func() {
			if err := a.feedWS.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("price feed stream stopped", zap.Error(err))
			}
		}()
	}
	if a.prom != nil {
		go a.serveMetrics(ctx)
	}

	ticker := time.NewTicker(a.cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep walks the book, refreshes the open-position gauge, and alerts on
// anything below the liquidation threshold. It never liquidates on its
// own; that is a third-party action.
func (a *App) sweep(ctx context.Context) {
	positions := a.book.List()
	a.met.OpenPositions.Set(float64(len(positions)))
	for _, pos := range positions {
		hf, err := a.eng.HealthFactor(ctx, pos.ID)
		if err != nil {
			a.log.Warn("health check failed",
				zap.Uint64("position_id", pos.ID), zap.Error(err))
			continue
		}
		if hf.Cmp(engine.LiquidationThreshold()) >= 0 {
			continue
		}
		a.log.Warn("position below liquidation threshold",
			zap.Uint64("position_id", pos.ID),
			zap.String("health", hf.String()))
		if err := a.alerts.LiquidatablePosition(ctx, pos.ID, hf.String()); err != nil {
			a.log.Warn("alert send failed", zap.Error(err))
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("metrics server stopped", zap.Error(err))
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
