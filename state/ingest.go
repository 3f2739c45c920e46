package state

import (
	"fmt"
	"math/big"

	"github.com/danielksan81/Perun/ledger"
)

type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionConfirm asks for a confirmation from each participant carrying
	// the collateral.
	ActionConfirm
	// ActionRegister asks for the round to be signed by both participants
	// and registered.
	ActionRegister
	// ActionAcknowledge reports the registration was acknowledged.
	ActionAcknowledge
	// ActionLog reports a diagnostic event.
	ActionLog
	// ActionIgnore reports an event that had no effect, with a reason.
	ActionIgnore
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionConfirm:
		return "confirm"
	case ActionRegister:
		return "register"
	case ActionAcknowledge:
		return "acknowledge"
	case ActionLog:
		return "log"
	case ActionIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is the side effect the caller must perform after an Ingest.
type Action struct {
	Kind   ActionKind
	Event  ledger.Event
	Reason string

	// Set for ActionConfirm.
	Collateral *big.Int

	// Set for ActionRegister.
	Round              Round
	FundedInitiator    *big.Int
	FundedCounterparty *big.Int
}

// Ingest applies a ledger event to the channel and returns the action the
// caller must perform.
func (c *Channel) Ingest(e ledger.Event) (Action, error) {
	if c.phase == PhaseFailed {
		return Action{}, ErrFailed
	}
	if c.last != nil && !e.After(ledger.Event{BlockNumber: c.last.Block, Index: c.last.Index}) {
		return ignore(e, "already ingested"), nil
	}

	a, err := c.ingest(e)
	if err != nil {
		return Action{}, fmt.Errorf("ingesting %s: %w", e, err)
	}
	c.last = &position{Block: e.BlockNumber, Index: e.Index}
	return a, nil
}

func (c *Channel) ingest(e ledger.Event) (Action, error) {
	switch e.Name {
	case EventInitializing:
		return c.ingestInitializing(e)
	case EventInitialized:
		return c.ingestInitialized(e)
	case EventStateRegistering:
		return c.ingestStateRegistering(e)
	case EventDebug, EventVerificationSucceeded, EventVerificationFailed:
		return Action{Kind: ActionLog, Event: e}, nil
	default:
		return ignore(e, "unrecognized event"), nil
	}
}

func ignore(e ledger.Event, reason string) Action {
	return Action{Kind: ActionIgnore, Event: e, Reason: reason}
}

func (c *Channel) ingestInitializing(e ledger.Event) (Action, error) {
	if c.confirmationsSubmitted {
		return ignore(e, "confirmations already submitted"), nil
	}
	if c.phase != PhaseAwaitingConfirmation {
		return ignore(e, fmt.Sprintf("unexpected in phase %s", c.phase)), nil
	}
	alice, err := e.Address("addressAlice")
	if err != nil {
		return Action{}, err
	}
	bob, err := e.Address("addressBob")
	if err != nil {
		return Action{}, err
	}
	if alice != c.handle.Initiator || bob != c.handle.Counterparty {
		return Action{}, fmt.Errorf("%w: got %s and %s, want %s and %s", ErrParticipantMismatch,
			alice.Hex(), bob.Hex(), c.handle.Initiator.Hex(), c.handle.Counterparty.Hex())
	}
	c.confirmationsSubmitted = true
	return Action{Kind: ActionConfirm, Event: e, Collateral: c.Collateral()}, nil
}

func (c *Channel) ingestInitialized(e ledger.Event) (Action, error) {
	if c.registrationSubmitted {
		return ignore(e, "registration already submitted"), nil
	}
	// The contract only emits EventInitialized once both confirmations are
	// mined, so a latched channel still awaiting confirmation, for example
	// after a restore, is initialized.
	if c.phase == PhaseAwaitingConfirmation && c.confirmationsSubmitted {
		c.phase = PhaseInitialized
	}
	if c.phase != PhaseInitialized {
		return ignore(e, fmt.Sprintf("unexpected in phase %s", c.phase)), nil
	}
	cashAlice, err := e.BigInt("cashAlice")
	if err != nil {
		return Action{}, err
	}
	cashBob, err := e.BigInt("cashBob")
	if err != nil {
		return Action{}, err
	}
	c.fundedInitiator = cashAlice
	c.fundedCounterparty = cashBob
	c.registrationSubmitted = true
	return Action{
		Kind:               ActionRegister,
		Event:              e,
		Round:              c.round,
		FundedInitiator:    new(big.Int).Set(cashAlice),
		FundedCounterparty: new(big.Int).Set(cashBob),
	}, nil
}

func (c *Channel) ingestStateRegistering(e ledger.Event) (Action, error) {
	switch {
	case c.phase == PhaseStateRegistering:
	case c.phase == PhaseInitialized && c.registrationSubmitted:
		// Registration was mined but not recorded before a restore.
	default:
		return ignore(e, fmt.Sprintf("unexpected in phase %s", c.phase)), nil
	}
	c.phase = PhaseRegistered
	return Action{Kind: ActionAcknowledge, Event: e}, nil
}
