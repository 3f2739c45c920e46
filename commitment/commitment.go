// Package commitment builds the canonical digest of an off-chain channel
// state, and obtains and checks the participants' signatures over it.
package commitment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrOutOfRange is returned for balances that are negative or do not fit in
// 256 bits.
var ErrOutOfRange = errors.New("balance out of range")

// StateCommitment is the state of a channel both participants agreed to for
// one round. It is immutable once built.
type StateCommitment struct {
	// Channel is the address the commitment is bound to. The contract expects
	// the factory (VPC) address here.
	Channel             common.Address
	SequenceID          uint64
	BlockedInitiator    *big.Int
	BlockedCounterparty *big.Int
	Version             uint64
}

// New builds a commitment, copying the balances.
func New(channel common.Address, sequenceID uint64, blockedInitiator, blockedCounterparty *big.Int, version uint64) (StateCommitment, error) {
	c := StateCommitment{
		Channel:             channel,
		SequenceID:          sequenceID,
		BlockedInitiator:    copyInt(blockedInitiator),
		BlockedCounterparty: copyInt(blockedCounterparty),
		Version:             version,
	}
	if err := c.validate(); err != nil {
		return StateCommitment{}, err
	}
	return c, nil
}

func copyInt(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}

func (c StateCommitment) validate() error {
	for name, n := range map[string]*big.Int{
		"initiator":    c.BlockedInitiator,
		"counterparty": c.BlockedCounterparty,
	} {
		if n == nil {
			return fmt.Errorf("blocked %s balance: %w", name, ErrOutOfRange)
		}
		if n.Sign() < 0 || n.Cmp(math.MaxBig256) > 0 {
			return fmt.Errorf("blocked %s balance %s: %w", name, n, ErrOutOfRange)
		}
	}
	return nil
}

// Encode returns the bytes hashed for the commitment under enc.
func (c StateCommitment) Encode(enc Encoding) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return enc.encode(c.Channel, c.SequenceID, c.BlockedInitiator, c.BlockedCounterparty, c.Version)
}

// Digest is the keccak256 hash of the commitment encoded under enc.
func (c StateCommitment) Digest(enc Encoding) (common.Hash, error) {
	b, err := c.Encode(enc)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Digest hashes the five commitment fields in their fixed order.
func Digest(enc Encoding, channel common.Address, sequenceID uint64, blockedInitiator, blockedCounterparty *big.Int, version uint64) (common.Hash, error) {
	c := StateCommitment{
		Channel:             channel,
		SequenceID:          sequenceID,
		BlockedInitiator:    blockedInitiator,
		BlockedCounterparty: blockedCounterparty,
		Version:             version,
	}
	return c.Digest(enc)
}

func (c StateCommitment) String() string {
	return fmt.Sprintf("channel=%s sid=%d blocked=%s/%s version=%d",
		c.Channel.Hex(), c.SequenceID, c.BlockedInitiator, c.BlockedCounterparty, c.Version)
}
