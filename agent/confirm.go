package agent

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/state"
)

// confirm submits a confirmation from each participant at the same time. The
// contract emits EventInitialized once both are mined, so their order does
// not matter. A failed confirmation does not undo the other one; every
// failure is returned.
func (a *Agent) confirm(ctx context.Context, action state.Action) error {
	alice, _ := action.Event.Address("addressAlice")
	bob, _ := action.Event.Address("addressBob")
	a.log.Info().
		Stringer("alice", alice).
		Stringer("bob", bob).
		Stringer("collateral", action.Collateral).
		Msg("channel initializing, confirming from both participants")

	participants := []ledger.Identity{a.config.Initiator, a.config.Counterparty}
	errs := make([]error, len(participants))
	g := errgroup.Group{}
	for i, p := range participants {
		i, p := i, p
		g.Go(func() error {
			receipt, err := a.config.Contract.Confirm(ctx, p, action.Collateral)
			if err != nil {
				errs[i] = fmt.Errorf("confirming from %s: %w", p.Address().Hex(), err)
				return errs[i]
			}
			e := ConfirmationSubmittedEvent{
				Participant: p.Address(),
				Collateral:  action.Collateral,
			}
			if receipt != nil {
				e.TxHash = receipt.TxHash
			}
			a.log.Info().Stringer("participant", e.Participant).Stringer("tx", e.TxHash).Msg("confirmation mined")
			a.emit(e)
			return nil
		})
	}
	if g.Wait() != nil {
		var result *multierror.Error
		for _, err := range errs {
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}

	return a.update(func(c *state.Channel) error {
		return c.ConfirmationsMined()
	})
}
