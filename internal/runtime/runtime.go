// Package runtime assembles the node from configuration and supervises
// its long-running components.
package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openindex/oipd/internal/config"
	"github.com/openindex/oipd/internal/crypto"
	"github.com/openindex/oipd/internal/di"
	"github.com/openindex/oipd/internal/events"
	"github.com/openindex/oipd/internal/index"
	"github.com/openindex/oipd/internal/ledger"
	applog "github.com/openindex/oipd/internal/log"
	"github.com/openindex/oipd/internal/memwatch"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/peergraph"
	"github.com/openindex/oipd/internal/publish"
	"github.com/openindex/oipd/internal/query"
	"github.com/openindex/oipd/internal/server"
	"github.com/openindex/oipd/internal/storage/searchstore"
	"github.com/openindex/oipd/internal/storage/statestore"
	"github.com/openindex/oipd/internal/syncer"
)

// graphRecycleInterval is the indexer-side janitor schedule for the
// primary graph client.
const graphRecycleInterval = 5 * time.Minute

// Runtime holds the assembled node.
type Runtime struct {
	cfg *config.Config
	log zerolog.Logger
	c   *di.Container
}

// New builds the container for cfg. Nothing is constructed until the
// first resolution.
func New(cfg *config.Config) *Runtime {
	logger := applog.New(cfg.Log)
	c := di.New()
	c.Register(di.ServiceConfig, cfg)
	c.Register(di.ServiceLogger, logger)
	registerBuilders(c, cfg, logger)
	return &Runtime{cfg: cfg, log: logger, c: c}
}

// Container exposes the service container. Used by the CLI's one-shot
// commands.
func (rt *Runtime) Container() *di.Container { return rt.c }

func registerBuilders(c *di.Container, cfg *config.Config, logger zerolog.Logger) {
	c.RegisterBuilder(di.ServiceStateStore, func(*di.Container) (interface{}, error) {
		return statestore.Open(&statestore.Config{
			Backend:              cfg.StateStore.Backend,
			Path:                 cfg.StateStore.Path,
			CompressionThreshold: cfg.StateStore.CompressionThreshold,
		})
	})
	c.RegisterBuilder(di.ServiceSearchStore, func(*di.Container) (interface{}, error) {
		return searchstore.Open(&searchstore.Config{
			Driver: cfg.SearchStore.Driver,
			Path:   cfg.SearchStore.Path,
			DSN:    cfg.SearchStore.DSN,
		})
	})
	c.RegisterBuilder(di.ServiceDirectory, func(*di.Container) (interface{}, error) {
		return oip.NewDirectory(), nil
	})
	c.RegisterBuilder(di.ServiceEventHub, func(*di.Container) (interface{}, error) {
		return events.NewHub(), nil
	})
	c.RegisterBuilder(di.ServiceLedger, func(*di.Container) (interface{}, error) {
		return ledger.NewClient(ledger.ClientConfig{
			BaseURL: cfg.Ledger.GatewayURL,
			Timeout: cfg.Ledger.Timeout,
		}), nil
	})
	c.RegisterBuilder(di.ServicePeerGraph, func(*di.Container) (interface{}, error) {
		return peergraph.NewClient(peergraph.ClientConfig{
			BaseURL: cfg.PeerGraph.Primary,
			Timeout: cfg.PeerGraph.Timeout,
		}, logger), nil
	})
	c.RegisterBuilder(di.ServiceWallet, func(*di.Container) (interface{}, error) {
		if cfg.Publisher.Mnemonic == "" {
			return (*crypto.Wallet)(nil), nil
		}
		return crypto.NewWallet(cfg.Publisher.Mnemonic)
	})
	c.RegisterBuilder(di.ServiceIndexer, func(c *di.Container) (interface{}, error) {
		store, err := c.Get(di.ServiceSearchStore)
		if err != nil {
			return nil, err
		}
		state, err := c.Get(di.ServiceStateStore)
		if err != nil {
			return nil, err
		}
		dir := c.MustGet(di.ServiceDirectory).(*oip.Directory)
		hub := c.MustGet(di.ServiceEventHub).(*events.Hub)
		return index.New(store.(searchstore.Store), dir, state.(*statestore.Store), hub, 0, logger), nil
	})
	c.RegisterBuilder(di.ServiceReader, func(c *di.Container) (interface{}, error) {
		client, err := c.Get(di.ServiceLedger)
		if err != nil {
			return nil, err
		}
		state, err := c.Get(di.ServiceStateStore)
		if err != nil {
			return nil, err
		}
		return ledger.NewReader(client.(*ledger.Client), state.(*statestore.Store), cfg.Ledger.PollTick, logger), nil
	})
	c.RegisterBuilder(di.ServiceSyncer, func(c *di.Container) (interface{}, error) {
		ix, err := c.Get(di.ServiceIndexer)
		if err != nil {
			return nil, err
		}
		state, err := c.Get(di.ServiceStateStore)
		if err != nil {
			return nil, err
		}
		hub := c.MustGet(di.ServiceEventHub).(*events.Hub)
		peers := make([]*peergraph.Client, 0, len(cfg.PeerGraph.Peers))
		for _, u := range cfg.PeerGraph.Peers {
			peers = append(peers, peergraph.NewClient(peergraph.ClientConfig{
				BaseURL: u,
				Timeout: cfg.PeerGraph.Timeout,
			}, logger))
		}
		return syncer.New(peers, ix.(*index.Indexer), state.(*statestore.Store), hub, cfg.Sync.Interval, logger), nil
	})
	c.RegisterBuilder(di.ServiceQueryEngine, func(c *di.Container) (interface{}, error) {
		store, err := c.Get(di.ServiceSearchStore)
		if err != nil {
			return nil, err
		}
		dir := c.MustGet(di.ServiceDirectory).(*oip.Directory)
		return query.NewEngine(store.(searchstore.Store), dir, logger), nil
	})
	c.RegisterBuilder(di.ServicePublisher, func(c *di.Container) (interface{}, error) {
		wallet, err := c.Get(di.ServiceWallet)
		if err != nil {
			return nil, err
		}
		lc, err := c.Get(di.ServiceLedger)
		if err != nil {
			return nil, err
		}
		peer, err := c.Get(di.ServicePeerGraph)
		if err != nil {
			return nil, err
		}
		ix, err := c.Get(di.ServiceIndexer)
		if err != nil {
			return nil, err
		}
		state, err := c.Get(di.ServiceStateStore)
		if err != nil {
			return nil, err
		}
		dir := c.MustGet(di.ServiceDirectory).(*oip.Directory)
		var salt []byte
		if cfg.Publisher.UserKeySaltHex != "" {
			salt, err = hex.DecodeString(cfg.Publisher.UserKeySaltHex)
			if err != nil {
				return nil, fmt.Errorf("publisher.user_key_salt is not hex: %w", err)
			}
		}
		return publish.New(wallet.(*crypto.Wallet), lc.(*ledger.Client), peer.(*peergraph.Client),
			ix.(*index.Indexer), dir, state.(*statestore.Store), salt, logger), nil
	})
	c.RegisterBuilder(di.ServiceMemWatch, func(*di.Container) (interface{}, error) {
		return memwatch.New(cfg.MemWatch.Interval, logger), nil
	})
	c.RegisterBuilder(di.ServiceServer, func(c *di.Container) (interface{}, error) {
		engine, err := c.Get(di.ServiceQueryEngine)
		if err != nil {
			return nil, err
		}
		publisher, err := c.Get(di.ServicePublisher)
		if err != nil {
			return nil, err
		}
		sync, err := c.Get(di.ServiceSyncer)
		if err != nil {
			return nil, err
		}
		hub := c.MustGet(di.ServiceEventHub).(*events.Hub)
		return server.New(server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, engine.(*query.Engine), publisher.(*publish.Publisher), sync.(*syncer.Engine), hub, logger), nil
	})
}

// Run starts every component and blocks until ctx is done or one of
// them fails fatally.
func (rt *Runtime) Run(ctx context.Context) error {
	ix, err := rt.c.Get(di.ServiceIndexer)
	if err != nil {
		return err
	}
	indexer := ix.(*index.Indexer)
	if err := indexer.WarmUp(ctx); err != nil {
		return err
	}

	reader := rt.c.MustGet(di.ServiceReader).(*ledger.Reader)
	sync := rt.c.MustGet(di.ServiceSyncer).(*syncer.Engine)
	monitor := rt.c.MustGet(di.ServiceMemWatch).(*memwatch.Monitor)
	srv := rt.c.MustGet(di.ServiceServer).(*server.Server)
	graph := rt.c.MustGet(di.ServicePeerGraph).(*peergraph.Client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return indexer.Run(gctx) })
	g.Go(func() error { return reader.Run(gctx, indexer.HandleLedgerItem) })
	g.Go(func() error { return sync.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return rt.janitor(gctx, graph) })

	rt.log.Info().Str("addr", rt.cfg.Server.Addr).Msg("node started")
	err = g.Wait()
	rt.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// janitor recycles the primary graph client and sweeps its miss cache
// on a fixed schedule.
func (rt *Runtime) janitor(ctx context.Context, graph *peergraph.Client) error {
	ticker := time.NewTicker(graphRecycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			graph.Recycle()
			swept := graph.SweepMisses()
			rt.log.Debug().Int("swept", swept).Msg("graph client recycled")
		}
	}
}

func (rt *Runtime) shutdown() {
	if rt.c.Has(di.ServiceSearchStore) {
		if store, err := rt.c.Get(di.ServiceSearchStore); err == nil {
			if err := store.(searchstore.Store).Close(); err != nil {
				rt.log.Warn().Err(err).Msg("search store close failed")
			}
		}
	}
	if rt.c.Has(di.ServiceStateStore) {
		if state, err := rt.c.Get(di.ServiceStateStore); err == nil {
			if err := state.(*statestore.Store).Close(); err != nil {
				rt.log.Warn().Err(err).Msg("state store close failed")
			}
		}
	}
	rt.log.Info().Msg("node stopped")
}
