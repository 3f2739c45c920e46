package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Identity is a channel participant able to sign digests and transactions.
// Signing may block, for example on a remote signer or an unlock prompt.
type Identity interface {
	Address() common.Address
	// SignDigest signs the eth_sign prefixed hash of digest and returns a 65
	// byte R||S||V signature with V in {27, 28}.
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// KeyIdentity signs with a private key held in process.
type KeyIdentity struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

var _ Identity = (*KeyIdentity)(nil)

func NewKeyIdentity(key *ecdsa.PrivateKey, chainID *big.Int) *KeyIdentity {
	return &KeyIdentity{key: key, chainID: chainID}
}

// ParseKeyIdentity parses a hex encoded secp256k1 private key, with or
// without a 0x prefix.
func ParseKeyIdentity(hexKey string, chainID *big.Int) (*KeyIdentity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return NewKeyIdentity(key, chainID), nil
}

func (k *KeyIdentity) Address() common.Address {
	return crypto.PubkeyToAddress(k.key.PublicKey)
}

func (k *KeyIdentity) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), k.key)
	if err != nil {
		return nil, fmt.Errorf("signing digest %s: %w", digest.Hex(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (k *KeyIdentity) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(k.key, k.chainID)
	if err != nil {
		return nil, fmt.Errorf("creating transactor for %s: %w", k.Address().Hex(), err)
	}
	opts.Context = ctx
	return opts, nil
}

// NodeIdentity is an account managed by the ledger node. Digests and
// transactions are signed by the node over RPC, which requires the account to
// be unlocked first.
type NodeIdentity struct {
	address common.Address
	client  *rpc.Client
	chainID *big.Int
}

var _ Identity = (*NodeIdentity)(nil)

func NewNodeIdentity(client *rpc.Client, address common.Address, chainID *big.Int) *NodeIdentity {
	return &NodeIdentity{address: address, client: client, chainID: chainID}
}

func (n *NodeIdentity) Address() common.Address {
	return n.address
}

// Unlock unlocks the account on the node for duration d. A zero duration
// keeps the account unlocked until the node restarts.
func (n *NodeIdentity) Unlock(ctx context.Context, passphrase string, d time.Duration) error {
	var ok bool
	err := n.client.CallContext(ctx, &ok, "personal_unlockAccount", n.address, passphrase, uint64(d/time.Second))
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", n.address.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("unlocking %s: %w", n.address.Hex(), ErrUnlockRejected)
	}
	return nil
}

func (n *NodeIdentity) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	var sig hexutil.Bytes
	err := n.client.CallContext(ctx, &sig, "eth_sign", n.address, hexutil.Bytes(digest.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("signing digest %s with %s: %w", digest.Hex(), n.address.Hex(), err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("signing digest %s with %s: signature has length %d", digest.Hex(), n.address.Hex(), len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}

func (n *NodeIdentity) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{
		From:    n.address,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != n.address {
				return nil, bind.ErrNotAuthorized
			}
			return n.signTx(ctx, tx)
		},
	}, nil
}

func (n *NodeIdentity) signTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	args := map[string]interface{}{
		"from":    n.address,
		"gas":     hexutil.Uint64(tx.Gas()),
		"value":   (*hexutil.Big)(tx.Value()),
		"nonce":   hexutil.Uint64(tx.Nonce()),
		"data":    hexutil.Bytes(tx.Data()),
		"chainId": (*hexutil.Big)(n.chainID),
	}
	if tx.To() != nil {
		args["to"] = tx.To()
	}
	if tx.Type() == types.DynamicFeeTxType {
		args["maxFeePerGas"] = (*hexutil.Big)(tx.GasFeeCap())
		args["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args["gasPrice"] = (*hexutil.Big)(tx.GasPrice())
	}
	var res struct {
		Raw hexutil.Bytes `json:"raw"`
	}
	err := n.client.CallContext(ctx, &res, "eth_signTransaction", args)
	if err != nil {
		return nil, fmt.Errorf("signing transaction with %s: %w", n.address.Hex(), err)
	}
	signed := new(types.Transaction)
	err = signed.UnmarshalBinary(res.Raw)
	if err != nil {
		return nil, fmt.Errorf("decoding signed transaction: %w", err)
	}
	return signed, nil
}
