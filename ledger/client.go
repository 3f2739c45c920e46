// Package ledger is the boundary to an EVM ledger node. It deploys contracts,
// submits and waits for transactions, reads logs and manages the identities
// that sign on behalf of channel participants.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/metrics"
)

const (
	DefaultURL           = "http://localhost:8545"
	DefaultGasLimit      = 4700000
	DefaultMiningTimeout = 2 * time.Minute
	DefaultDialAttempts  = 10
)

// Backend is the subset of a go-ethereum client used by Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

type Config struct {
	URL           string
	GasLimit      uint64
	MiningTimeout time.Duration
	DialAttempts  uint

	Logger  zerolog.Logger
	Metrics metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.GasLimit == 0 {
		c.GasLimit = DefaultGasLimit
	}
	if c.MiningTimeout == 0 {
		c.MiningTimeout = DefaultMiningTimeout
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopCollector()
	}
	return c
}

// Client submits deployments and transactions with a fixed gas ceiling and
// waits for their receipts for at most the configured mining timeout.
type Client struct {
	backend Backend
	rpc     *rpc.Client
	chainID *big.Int

	gasLimit      uint64
	miningTimeout time.Duration

	log     zerolog.Logger
	metrics metrics.Collector
}

// Dial connects to the node at c.URL. The node may still be starting, so the
// connection and chain id query are retried up to c.DialAttempts times.
func Dial(ctx context.Context, c Config) (*Client, error) {
	c = c.withDefaults()
	log := c.Logger.With().Str("component", "ledger").Logger()

	var ec *ethclient.Client
	var chainID *big.Int
	err := retry.Do(
		func() error {
			var err error
			ec, err = ethclient.DialContext(ctx, c.URL)
			if err != nil {
				return err
			}
			chainID, err = ec.ChainID(ctx)
			if err != nil {
				ec.Close()
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.DialAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Str("url", c.URL).Msg("ledger not reachable, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.URL, err)
	}
	log.Info().Str("url", c.URL).Stringer("chain_id", chainID).Msg("connected to ledger")
	return NewClient(ec, ec.Client(), chainID, c), nil
}

// NewClient wraps an existing backend. rpcClient may be nil when node
// managed identities are not used.
func NewClient(backend Backend, rpcClient *rpc.Client, chainID *big.Int, c Config) *Client {
	c = c.withDefaults()
	return &Client{
		backend:       backend,
		rpc:           rpcClient,
		chainID:       chainID,
		gasLimit:      c.GasLimit,
		miningTimeout: c.MiningTimeout,
		log:           c.Logger.With().Str("component", "ledger").Logger(),
		metrics:       c.Metrics,
	}
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) GasLimit() uint64 {
	return c.gasLimit
}

// NodeIdentity returns an identity for an account managed by the node.
func (c *Client) NodeIdentity(address common.Address) (*NodeIdentity, error) {
	if c.rpc == nil {
		return nil, errors.New("node identities require an rpc connection")
	}
	return NewNodeIdentity(c.rpc, address, c.chainID), nil
}

// KeyIdentity returns an identity for a hex encoded private key.
func (c *Client) KeyIdentity(hexKey string) (*KeyIdentity, error) {
	return ParseKeyIdentity(hexKey, c.chainID)
}

func (c *Client) transactOpts(ctx context.Context, from Identity, value *big.Int) (*bind.TransactOpts, error) {
	opts, err := from.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	opts.GasLimit = c.gasLimit
	opts.Value = value
	opts.Context = ctx
	return opts, nil
}

func (c *Client) miningContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.miningTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.miningTimeout)
}

func miningErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrMiningTimeout
	}
	return err
}

// Deploy submits a contract creation from the given identity and waits until
// the contract code is present at the new address.
func (c *Client) Deploy(ctx context.Context, from Identity, name string, contractABI abi.ABI, bytecode []byte, args ...interface{}) (Contract, common.Hash, error) {
	method := "deploy " + name
	opts, err := c.transactOpts(ctx, from, nil)
	if err != nil {
		return Contract{}, common.Hash{}, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	address, tx, _, err := bind.DeployContract(opts, contractABI, bytecode, c.backend, args...)
	if err != nil {
		c.metrics.TransactionFailed(method)
		return Contract{}, common.Hash{}, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	c.metrics.TransactionSubmitted(method)
	c.log.Debug().Str("contract", name).Stringer("tx", tx.Hash()).Stringer("address", address).Msg("submitted deployment")

	start := time.Now()
	waitCtx, cancel := c.miningContext(ctx)
	defer cancel()
	deployed, err := bind.WaitDeployed(waitCtx, c.backend, tx)
	if err != nil {
		c.metrics.TransactionFailed(method)
		return Contract{}, tx.Hash(), &TransactionError{Method: method, From: from.Address(), TxHash: tx.Hash(), Err: miningErr(ctx, err)}
	}
	c.metrics.TransactionMined(method, time.Since(start))
	return Contract{Name: name, Address: deployed, ABI: contractABI}, tx.Hash(), nil
}

// Transact calls method on contract in a transaction from the given identity
// transferring value, and waits for the receipt. A receipt with a failed
// status is returned together with ErrReverted.
func (c *Client) Transact(ctx context.Context, from Identity, contract Contract, method string, value *big.Int, args ...interface{}) (*types.Receipt, error) {
	opts, err := c.transactOpts(ctx, from, value)
	if err != nil {
		return nil, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	tx, err := contract.Bind(c.backend).Transact(opts, method, args...)
	if err != nil {
		c.metrics.TransactionFailed(method)
		return nil, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	return c.wait(ctx, from, method, tx)
}

// Transfer sends amount from one identity to an address.
func (c *Client) Transfer(ctx context.Context, from Identity, to common.Address, amount *big.Int) (*types.Receipt, error) {
	method := "transfer"
	opts, err := c.transactOpts(ctx, from, amount)
	if err != nil {
		return nil, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	tx, err := bind.NewBoundContract(to, abi.ABI{}, c.backend, c.backend, c.backend).Transfer(opts)
	if err != nil {
		c.metrics.TransactionFailed(method)
		return nil, &TransactionError{Method: method, From: from.Address(), Err: err}
	}
	return c.wait(ctx, from, method, tx)
}

func (c *Client) wait(ctx context.Context, from Identity, method string, tx *types.Transaction) (*types.Receipt, error) {
	c.metrics.TransactionSubmitted(method)
	c.log.Debug().Str("method", method).Stringer("from", from.Address()).Stringer("tx", tx.Hash()).Msg("submitted transaction")

	start := time.Now()
	waitCtx, cancel := c.miningContext(ctx)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		c.metrics.TransactionFailed(method)
		return nil, &TransactionError{Method: method, From: from.Address(), TxHash: tx.Hash(), Err: miningErr(ctx, err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.metrics.TransactionFailed(method)
		return receipt, &TransactionError{Method: method, From: from.Address(), TxHash: tx.Hash(), Err: ErrReverted}
	}
	c.metrics.TransactionMined(method, time.Since(start))
	return receipt, nil
}

// Call invokes a constant method and returns its outputs.
func (c *Client) Call(ctx context.Context, contract Contract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	err := contract.Bind(c.backend).Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", method, contract.Address.Hex(), err)
	}
	return out, nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	b, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("getting balance of %s: %w", account.Hex(), err)
	}
	return b, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.backend.FilterLogs(ctx, q)
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.backend.SubscribeFilterLogs(ctx, q, ch)
}

func (c *Client) Close() {
	c.backend.Close()
}
