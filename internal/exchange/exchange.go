// Package exchange assembles a complete engine from configuration: the
// chain, vault, pool master, both factories and the router, plus the graph
// used to route swaps and the sinks that follow committed logs.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/chain"
	"dexcore/internal/config"
	"dexcore/internal/events"
	"dexcore/internal/factory"
	"dexcore/internal/graph"
	"dexcore/internal/metrics"
	"dexcore/internal/persistence"
	"dexcore/internal/pool"
	"dexcore/internal/poolmaster"
	"dexcore/internal/router"
	"dexcore/internal/vault"
)

// Exchange is a deployed engine.
type Exchange struct {
	Chain   *chain.Chain
	Vault   *vault.Vault
	Master  *poolmaster.Master
	Crypto  *factory.Factory
	Stable  *factory.Factory
	Router  *router.Router
	Graph   *graph.Manager
	Finder  *graph.Finder
	Metrics *metrics.Metrics

	admin common.Address
	log   zerolog.Logger
}

// New deploys an engine configured by cfg and whitelists both factories.
// m may be nil.
func New(ctx context.Context, cfg config.ExchangeConfig, m *metrics.Metrics, opts ...chain.Option) (*Exchange, error) {
	c := chain.New(opts...)
	admin := common.HexToAddress(cfg.Admin)

	v := vault.New(c, c.NextAddress())
	master := poolmaster.New(c, c.NextAddress(), admin)

	cryptoParams := pool.CryptoParams{
		A:                     cfg.Crypto.A,
		Fee:                   cfg.Crypto.Fee,
		EMAWindow:             cfg.Crypto.EMAWindow,
		RebalanceThresholdBps: cfg.Crypto.RebalanceThresholdBps,
		AdjustmentStepBps:     cfg.Crypto.AdjustmentStepBps,
	}
	stableParams := pool.StableParams{Fee: cfg.Stable.Fee}

	manager := graph.NewManager(m,
		graph.WithTokenResolver(graph.DirectoryResolver(c.Tokens)),
		graph.WithKindFee(pool.KindCrypto, graph.FeeRate(cryptoParams.Fee)),
		graph.WithKindFee(pool.KindStable, graph.FeeRate(stableParams.Fee)),
	)

	ex := &Exchange{
		Chain:   c,
		Vault:   v,
		Master:  master,
		Crypto:  factory.NewCryptoFactory(c, v, master, c.NextAddress(), cryptoParams),
		Stable:  factory.NewStableFactory(c, v, master, c.NextAddress(), stableParams),
		Router:  router.New(c, v, master, c.NextAddress(), router.WithMetrics(m)),
		Graph:   manager,
		Finder:  graph.NewFinder(manager, master, cfg.MaxHops),
		Metrics: m,
		admin:   admin,
		log:     log.With().Str("component", "exchange").Logger(),
	}

	c.Events.Subscribe(manager)
	if m != nil {
		c.Events.Subscribe(m)
		c.Events.Subscribe(poolCounter(m))
	}

	for _, f := range []*factory.Factory{ex.Crypto, ex.Stable} {
		if err := master.SetFactoryWhitelisted(ctx, admin, f.Address(), true); err != nil {
			return nil, fmt.Errorf("whitelisting %s factory: %w", f.Kind(), err)
		}
	}

	ex.log.Info().
		Str("admin", admin.Hex()).
		Str("vault", v.Address().Hex()).
		Str("master", master.Address().Hex()).
		Str("router", ex.Router.Address().Hex()).
		Str("weth", c.WETH.Address().Hex()).
		Msg("Exchange deployed")
	return ex, nil
}

// poolCounter feeds pool creation metrics from committed PoolCreated logs.
func poolCounter(m *metrics.Metrics) events.Sink {
	decoder := events.NewDecoder()
	tracked := 0
	return events.SinkFunc(func(l events.Log) {
		entry := l.Entry()
		if !events.IsPoolCreatedEvent(&entry) {
			return
		}
		created, err := decoder.DecodePoolCreatedEvent(&entry)
		if err != nil {
			return
		}
		tracked++
		m.RecordPoolCreated(pool.Kind(created.Kind).String())
		m.SetPoolsTracked(tracked)
	})
}

// Subscribe attaches a sink to every committed log.
func (e *Exchange) Subscribe(s events.Sink) {
	e.Chain.Events.Subscribe(s)
}

// Reconcile resyncs the route graph with the registry. It waits for any
// running call to finish and must not be used from inside one.
func (e *Exchange) Reconcile() *graph.ReconcileResult {
	var res *graph.ReconcileResult
	e.Chain.State.Exclusive(func() {
		res = e.Graph.Reconcile(e.Master, e.Chain.State.Height())
	})
	return res
}

// Factory returns the factory creating pools of kind.
func (e *Exchange) Factory(kind pool.Kind) (*factory.Factory, error) {
	switch kind {
	case pool.KindCrypto:
		return e.Crypto, nil
	case pool.KindStable:
		return e.Stable, nil
	default:
		return nil, fmt.Errorf("unknown pool kind %d", kind)
	}
}

// Snapshot captures the persisted view of the engine. It must not run
// concurrently with a mutating engine call.
func (e *Exchange) Snapshot() *persistence.Snapshot {
	snap := &persistence.Snapshot{
		Height:  e.Chain.State.Height(),
		TakenAt: e.Chain.Clock.Now().UTC(),
	}

	for _, addr := range e.Chain.Tokens.Addresses() {
		t, err := e.Chain.Tokens.Lookup(addr)
		if err != nil {
			continue
		}
		snap.Tokens = append(snap.Tokens, persistence.TokenRecord{
			Address:  addr.Hex(),
			Symbol:   t.Symbol(),
			Decimals: int(t.Decimals()),
		})
	}

	for _, b := range e.Vault.Records() {
		snap.Balances = append(snap.Balances, persistence.BalanceRecord{
			Account: b.Account.Hex(),
			Token:   b.Token.Hex(),
			Amount:  b.Amount.Dec(),
		})
	}

	for i, p := range e.Master.Pools() {
		info := p.Info()
		rec := persistence.PoolRecord{
			Address:     info.Address.Hex(),
			Kind:        info.Kind.String(),
			Token0:      info.Tokens[0].Hex(),
			Token1:      info.Tokens[1].Hex(),
			Reserve0:    info.Reserves[0].Dec(),
			Reserve1:    info.Reserves[1].Dec(),
			TotalSupply: info.TotalSupply.Dec(),
			A:           info.A,
			Fee:         info.Fee.Dec(),
			Position:    i,
		}
		if info.PriceScale != nil {
			rec.PriceScale = info.PriceScale.Dec()
		}
		if info.PriceOracle != nil {
			rec.PriceOracle = info.PriceOracle.Dec()
		}
		snap.Pools = append(snap.Pools, rec)

		for _, sh := range p.Holders() {
			snap.Shares = append(snap.Shares, persistence.ShareRecord{
				Pool:   info.Address.Hex(),
				Owner:  sh.Owner.Hex(),
				Amount: sh.Amount.Dec(),
			})
		}
	}

	for _, f := range []*factory.Factory{e.Crypto, e.Stable} {
		snap.Factories = append(snap.Factories, persistence.FactoryRecord{
			Address:     f.Address().Hex(),
			Kind:        f.Kind().String(),
			Whitelisted: e.Master.IsFactoryWhitelisted(f.Address()),
		})
	}

	for _, account := range e.Router.Accounts() {
		for i, p := range e.Router.EnteredPools(account) {
			snap.EnteredPools = append(snap.EnteredPools, persistence.EnteredPoolRecord{
				Account:  account.Hex(),
				Pool:     p.Hex(),
				Position: i,
			})
		}
	}
	return snap
}

// Save writes the current snapshot to store.
func (e *Exchange) Save(ctx context.Context, store *persistence.Store) error {
	started := time.Now()
	snap := e.Snapshot()
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	e.log.Info().
		Uint64("height", snap.Height).
		Int("pools", len(snap.Pools)).
		Dur("took", time.Since(started)).
		Msg("Exchange state persisted")
	return nil
}
