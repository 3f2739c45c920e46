package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/danielksan81/Perun/agent"
	"github.com/danielksan81/Perun/agent/agenthttp"
	"github.com/danielksan81/Perun/compile"
	"github.com/danielksan81/Perun/contracts"
	"github.com/danielksan81/Perun/deploy"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/metrics"
	"github.com/danielksan81/Perun/state"
	"github.com/danielksan81/Perun/store"
)

// Node accounts stay unlocked this long, as with personal.unlockAccount's
// default.
const unlockDuration = 300 * time.Second

type env struct {
	cfg      config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  metrics.Collector
	client   *ledger.Client

	initiator    ledger.Identity
	counterparty ledger.Identity
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	collector := metrics.NewChannelCollector(registry)

	client, err := ledger.Dial(ctx, ledger.Config{
		URL:           cfg.RPCURL,
		GasLimit:      cfg.GasLimit,
		MiningTimeout: cfg.MiningTimeout,
		DialAttempts:  cfg.DialAttempts,
		Logger:        log,
		Metrics:       collector,
	})
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  collector,
		client:   client,
	}
	e.initiator, err = e.identity(ctx, cfg.InitiatorKey, cfg.Initiator)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("initiator: %w", err)
	}
	e.counterparty, err = e.identity(ctx, cfg.CounterpartyKey, cfg.Counterparty)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("counterparty: %w", err)
	}
	log.Info().
		Stringer("chain", client.ChainID()).
		Stringer("initiator", e.initiator.Address()).
		Stringer("counterparty", e.counterparty.Address()).
		Msg("connected")
	return e, nil
}

func (e *env) close() {
	e.client.Close()
}

func (e *env) identity(ctx context.Context, hexKey, address string) (ledger.Identity, error) {
	if hexKey != "" {
		return e.client.KeyIdentity(hexKey)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	id, err := e.client.NodeIdentity(common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	err = id.Unlock(ctx, e.cfg.Passphrase, unlockDuration)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (e *env) refs() (library, factory, channel compile.ContractRef) {
	ref := func(r compile.ContractRef) compile.ContractRef {
		r.Source = filepath.Join(e.cfg.ContractsDir, filepath.Base(r.Source))
		return r
	}
	return ref(deploy.DefaultLibrary), ref(deploy.DefaultFactory), ref(deploy.DefaultChannel)
}

func (e *env) compiler() compile.Compiler {
	return &compile.Solc{Path: e.cfg.Solc, Optimize: e.cfg.Optimize, Log: e.log}
}

func (e *env) coordinator() *deploy.Coordinator {
	library, factory, channel := e.refs()
	return deploy.NewCoordinator(deploy.Config{
		Compiler: e.compiler(),
		Deployer: e.client,
		From:     e.initiator,
		Logger:   e.log,
		Library:  library,
		Factory:  factory,
		Channel:  channel,
	})
}

// preload funds the counterparty from the initiator and logs both balances.
func (e *env) preload(ctx context.Context) error {
	if e.cfg.Preload.Sign() == 0 {
		return nil
	}
	_, err := e.client.Transfer(ctx, e.initiator, e.counterparty.Address(), e.cfg.Preload)
	if err != nil {
		return fmt.Errorf("preloading counterparty: %w", err)
	}
	for _, id := range []ledger.Identity{e.initiator, e.counterparty} {
		balance, err := e.client.BalanceAt(ctx, id.Address())
		if err != nil {
			return err
		}
		e.log.Info().Stringer("account", id.Address()).Stringer("balance", balance).Msg("balance")
	}
	return nil
}

func (e *env) openStore() (*store.Store, error) {
	if e.cfg.DB == "" {
		return nil, nil
	}
	return store.Open(e.cfg.DB, e.log)
}

func (e *env) agentConfig(h state.Handle, channelContract, libraryContract ledger.Contract, st *store.Store, events chan<- interface{}) agent.Config {
	c := agent.Config{
		Handle: h,
		Round: state.Round{
			SequenceID:          e.cfg.RoundSequence,
			Version:             e.cfg.RoundVersion,
			BlockedInitiator:    e.cfg.BlockedInitiator,
			BlockedCounterparty: e.cfg.BlockedCounterparty,
		},
		Collateral:   e.cfg.Collateral,
		Encoding:     e.cfg.Encoding,
		Initiator:    e.initiator,
		Counterparty: e.counterparty,
		Contract:     contracts.NewChannel(channelContract, e.client),
		Verifier:     contracts.NewLibrary(libraryContract, e.client),
		Metrics:      e.metrics,
		Logger:       e.log,
		Events:       events,
	}
	if st != nil {
		c.Snapshotter = st
	}
	return c
}

func (e *env) serve(a *agent.Agent) *http.Server {
	if e.cfg.HTTPAddr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              e.cfg.HTTPAddr,
		Handler:           agenthttp.New(a, e.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		e.log.Info().Str("addr", srv.Addr).Msg("serving channel status")
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("status server stopped")
		}
	}()
	return srv
}
