package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/escrowdex/params"
	"github.com/uhyunpark/escrowdex/pkg/abci"
	"github.com/uhyunpark/escrowdex/pkg/api"
	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/dex"
	"github.com/uhyunpark/escrowdex/pkg/p2p"
	"github.com/uhyunpark/escrowdex/pkg/storage"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

func main() {
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var store storage.Backend
	journal := storage.Journal(storage.NewNopJournal())
	if cfg.Node.InMemory {
		store = storage.NewMemoryStore()
		sugar.Warn("in_memory_store - state is lost on exit")
	} else {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
			return err
		}
		pebbleStore, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
		if err != nil {
			return err
		}
		store = pebbleStore
		fj, err := storage.NewFileJournal(filepath.Join(cfg.Node.DataDir, "transactions.log"))
		if err != nil {
			return err
		}
		defer fj.Close()
		journal = fj
	}
	defer store.Close()

	// ---- Emitters: websocket, metrics, gossip ----
	hub := api.NewHub(sugar)
	metrics := api.NewMetrics()
	emitters := exchange.Emitters{hub, metrics}

	var gossip *p2p.Libp2pNet
	if cfg.P2P.Enabled {
		var err error
		gossip, err = p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		emitters = append(emitters, gossip)
	}

	// ---- App ----
	feederAccounts := dex.DevnetAccounts(cfg.Feeder.Seed, cfg.Feeder.Accounts)
	airdrop := cfg.Genesis.Airdrop
	if cfg.Feeder.Enabled {
		for _, s := range feederAccounts {
			airdrop = append(airdrop, s.Address())
		}
	}
	genesis := make([]dex.GenesisToken, 0, len(cfg.Genesis.Tokens))
	for _, t := range cfg.Genesis.Tokens {
		genesis = append(genesis, dex.GenesisToken{Name: t.Name, Symbol: t.Symbol, Supply: t.Supply, Holder: t.Holder})
	}

	app, err := dex.New(dex.Config{
		Exchange: exchange.Config{
			Address:    cfg.Exchange.Custody,
			FeeAccount: cfg.Exchange.FeeAccount,
			FeePercent: cfg.Exchange.FeePercent,
		},
		ChainID:      cfg.Exchange.ChainID,
		Deployer:     cfg.Genesis.Deployer,
		Genesis:      genesis,
		Airdrop:      airdrop,
		AirdropUnits: cfg.Genesis.AirdropUnits,
		MempoolLimit: cfg.Node.MempoolLimit,
		EventLogSize: cfg.Node.EventLogSize,
	}, dex.Options{
		Store:   store,
		Journal: journal,
		Emitter: emitters,
		Logger:  sugar,
		OnTx:    metrics.ObserveTx,
	})
	if err != nil {
		return err
	}

	last := app.LastBlock()
	producer := &abci.Producer{
		App:        app,
		Interval:   cfg.Node.BlockTime,
		MaxTxBytes: cfg.Node.MaxBlockBytes,
		Logger:     sugar,
	}
	producer.Resume(int64(last.Height), last.Hash)

	sugar.Infow("node_starting",
		"custody", cfg.Exchange.Custody.Hex(),
		"fee_account", cfg.Exchange.FeeAccount.Hex(),
		"fee_percent", cfg.Exchange.FeePercent,
		"chain_id", cfg.Exchange.ChainID,
		"height", last.Height,
		"block_time_ms", cfg.Node.BlockTime.Milliseconds(),
		"p2p", cfg.P2P.Enabled)

	// ---- Run group ----
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	server := api.NewServer(app, hub, metrics, sugar)
	server.AllowedOrigins = cfg.Node.AllowedOrigins
	g.Go(func() error { return server.Start(ctx, cfg.Node.APIAddr) })

	g.Go(func() error {
		if err := producer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if gossip != nil {
		for _, a := range gossip.Addrs() {
			sugar.Infow("p2p_listening", "addr", a)
		}
		g.Go(func() error {
			return gossip.Run(ctx, func(w p2p.EventWire) {
				sugar.Debugw("peer_event", "origin", w.Origin, "seq", w.Record.Seq, "kind", w.Record.Event.Kind())
			})
		})
	}

	if cfg.Feeder.Enabled {
		g.Go(func() error {
			cancel := dex.StartTxFeeder(ctx, app, feederAccounts, dex.TxFeederConfig{
				Interval:  cfg.Feeder.Interval,
				BatchSize: cfg.Feeder.BatchSize,
				Funding:   cfg.Feeder.Funding,
			}, sugar)
			<-ctx.Done()
			cancel()
			return nil
		})
	} else {
		sugar.Info("txgen_disabled")
	}

	err = g.Wait()
	sugar.Infow("node_stopped", "height", producer.Height())
	return err
}
