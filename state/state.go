package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Phase string

const (
	PhaseAwaitingFunding      = Phase("awaiting_funding")
	PhaseAwaitingConfirmation = Phase("awaiting_confirmation")
	PhaseInitialized          = Phase("initialized")
	PhaseStateRegistering     = Phase("state_registering")
	PhaseRegistered           = Phase("registered")
	PhaseFailed               = Phase("failed")
)

// Event names emitted by the channel and library contracts.
const (
	EventInitializing          = "EventInitializing"
	EventInitialized           = "EventInitialized"
	EventStateRegistering      = "EventStateRegistering"
	EventVerificationSucceeded = "EventVerificationSucceeded"
	EventVerificationFailed    = "EventVerificationFailed"
	EventDebug                 = "Debug"
)

var (
	ErrFailed              = errors.New("channel has failed")
	ErrParticipantMismatch = errors.New("event participants do not match channel")
)

// Handle identifies one channel. It is immutable once the channel contract is
// mined.
type Handle struct {
	Channel common.Address
	Library common.Address
	// Factory is the VPC contract. Commitments are bound to its address.
	Factory      common.Address
	Initiator    common.Address
	Counterparty common.Address
}

// Round is the off-chain agreed state to register once the channel is
// initialized.
type Round struct {
	SequenceID          uint64
	Version             uint64
	BlockedInitiator    *big.Int
	BlockedCounterparty *big.Int
}

type Config struct {
	Handle Handle
	Round  Round
	// Collateral is the value each participant sends with its confirmation.
	// It is not required to equal the blocked balances of the round.
	Collateral *big.Int
}

type position struct {
	Block uint64
	Index uint
}

type Channel struct {
	handle     Handle
	round      Round
	collateral *big.Int

	phase   Phase
	failure string

	// confirmationsSubmitted latches the first EventInitializing so that
	// funding is never submitted twice.
	confirmationsSubmitted bool
	// registrationSubmitted latches the first EventInitialized.
	registrationSubmitted bool

	fundedInitiator    *big.Int
	fundedCounterparty *big.Int

	last *position
}

func NewChannel(c Config) *Channel {
	return &Channel{
		handle:     c.Handle,
		round:      c.Round,
		collateral: c.Collateral,
		phase:      PhaseAwaitingFunding,
	}
}

func (c *Channel) Handle() Handle {
	return c.handle
}

func (c *Channel) Round() Round {
	return c.round
}

func (c *Channel) Collateral() *big.Int {
	if c.collateral == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.collateral)
}

func (c *Channel) Phase() Phase {
	return c.phase
}

// Failure is the reason the channel failed, if it has.
func (c *Channel) Failure() string {
	return c.failure
}

// Funded returns the balances reported by EventInitialized, or nils if it has
// not been ingested.
func (c *Channel) Funded() (initiator, counterparty *big.Int) {
	return c.fundedInitiator, c.fundedCounterparty
}

// Deployed moves a newly created channel to await the contract's
// EventInitializing.
func (c *Channel) Deployed() error {
	if c.phase != PhaseAwaitingFunding {
		return fmt.Errorf("deployed in phase %s", c.phase)
	}
	c.phase = PhaseAwaitingConfirmation
	return nil
}

// ConfirmationsMined records that both confirmations returned by an
// ActionConfirm were mined.
func (c *Channel) ConfirmationsMined() error {
	if c.phase == PhaseFailed {
		return ErrFailed
	}
	if c.phase != PhaseAwaitingConfirmation || !c.confirmationsSubmitted {
		return fmt.Errorf("confirmations mined in phase %s", c.phase)
	}
	c.phase = PhaseInitialized
	return nil
}

// RegistrationSubmitted records that the registration returned by an
// ActionRegister was mined.
func (c *Channel) RegistrationSubmitted() error {
	if c.phase == PhaseFailed {
		return ErrFailed
	}
	if c.phase != PhaseInitialized || !c.registrationSubmitted {
		return fmt.Errorf("registration submitted in phase %s", c.phase)
	}
	c.phase = PhaseStateRegistering
	return nil
}

// Fail moves the channel to the terminal failed phase.
func (c *Channel) Fail(err error) {
	c.phase = PhaseFailed
	if err != nil {
		c.failure = err.Error()
	}
}
