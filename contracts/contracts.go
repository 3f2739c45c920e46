// Package contracts wraps the calls the orchestrator makes on the channel
// contract and the signature library.
package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/ledger"
)

// Transactor submits a contract call as a transaction and waits for it to be
// mined. ledger.Client implements it.
type Transactor interface {
	Transact(ctx context.Context, from ledger.Identity, contract ledger.Contract, method string, value *big.Int, args ...interface{}) (*types.Receipt, error)
}

// Caller invokes a constant contract method. ledger.Client implements it.
type Caller interface {
	Call(ctx context.Context, contract ledger.Contract, method string, args ...interface{}) ([]interface{}, error)
}

const (
	MethodConfirm       = "confirm"
	MethodStateRegister = "stateRegister"
	MethodVerify        = "verify"
)

// Channel is a deployed MSContract.
type Channel struct {
	contract ledger.Contract
	tx       Transactor
}

func NewChannel(contract ledger.Contract, tx Transactor) *Channel {
	return &Channel{contract: contract, tx: tx}
}

func (c *Channel) Contract() ledger.Contract {
	return c.contract
}

// Confirm funds the channel from one participant with collateral.
func (c *Channel) Confirm(ctx context.Context, from ledger.Identity, collateral *big.Int) (*types.Receipt, error) {
	return c.tx.Transact(ctx, from, c.contract, MethodConfirm, collateral)
}

// StateRegister registers a signed commitment. The commitment's channel
// address is passed as the contract's first argument.
func (c *Channel) StateRegister(ctx context.Context, from ledger.Identity, sc commitment.SignedCommitment) (*types.Receipt, error) {
	return c.tx.Transact(ctx, from, c.contract, MethodStateRegister, nil, StateRegisterArgs(sc)...)
}

// StateRegisterArgs are the arguments of stateRegister(address, uint, uint,
// uint, uint, bytes, bytes) for sc.
func StateRegisterArgs(sc commitment.SignedCommitment) []interface{} {
	com := sc.Commitment
	return []interface{}{
		com.Channel,
		new(big.Int).SetUint64(com.SequenceID),
		new(big.Int).Set(com.BlockedInitiator),
		new(big.Int).Set(com.BlockedCounterparty),
		new(big.Int).SetUint64(com.Version),
		[]byte(sc.Initiator),
		[]byte(sc.Counterparty),
	}
}

// Library is a deployed LibSignatures. It is the authority on whether a
// signature is valid.
type Library struct {
	contract ledger.Contract
	caller   Caller
}

var _ commitment.Verifier = (*Library)(nil)

func NewLibrary(contract ledger.Contract, caller Caller) *Library {
	return &Library{contract: contract, caller: caller}
}

func (l *Library) Contract() ledger.Contract {
	return l.contract
}

func (l *Library) Verify(ctx context.Context, signer common.Address, digest common.Hash, sig []byte) (bool, error) {
	out, err := l.caller.Call(ctx, l.contract, MethodVerify, signer, [32]byte(digest), sig)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("verify returned %d values", len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("verify returned %T", out[0])
	}
	return ok, nil
}
