package agent

import (
	"context"
	"fmt"

	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/state"
)

// register builds the agreed round's commitment, has both participants sign
// it and registers it from the initiator.
func (a *Agent) register(ctx context.Context, action state.Action) error {
	a.log.Info().
		Stringer("initiator", action.FundedInitiator).
		Stringer("counterparty", action.FundedCounterparty).
		Msg("both parties confirmed")

	r := action.Round
	c, err := commitment.New(a.config.Handle.Factory, r.SequenceID, r.BlockedInitiator, r.BlockedCounterparty, r.Version)
	if err != nil {
		return fmt.Errorf("building round %d: %w", r.SequenceID, err)
	}
	sc, err := commitment.Build(ctx, a.config.Encoding, c, a.config.Initiator, a.config.Counterparty)
	if err != nil {
		return err
	}
	a.metrics.DigestComputed(a.config.Encoding.String())
	a.log.Info().
		Stringer("commitment", c).
		Stringer("encoding", a.config.Encoding).
		Stringer("digest", sc.Digest).
		Stringer("sig_initiator", sc.Initiator).
		Stringer("sig_counterparty", sc.Counterparty).
		Msg("commitment signed")

	a.logVerification(ctx, sc)

	receipt, err := a.config.Contract.StateRegister(ctx, a.config.Initiator, sc)
	if err != nil {
		return fmt.Errorf("registering state: %w", err)
	}
	e := RegistrationSubmittedEvent{Digest: sc.Digest}
	if receipt != nil {
		e.TxHash = receipt.TxHash
	}
	a.log.Info().Stringer("tx", e.TxHash).Msg("state registration mined")
	a.emit(e)

	return a.update(func(c *state.Channel) error {
		return c.RegistrationSubmitted()
	})
}

// logVerification asks the verifier about both signatures and logs its
// answers. A rejection or an error does not stop registration.
func (a *Agent) logVerification(ctx context.Context, sc commitment.SignedCommitment) {
	if a.config.Verifier == nil {
		return
	}
	for _, s := range []struct {
		role string
		id   commitment.Signer
		sig  commitment.Signature
	}{
		{"initiator", a.config.Initiator, sc.Initiator},
		{"counterparty", a.config.Counterparty, sc.Counterparty},
	} {
		ok, err := commitment.Verify(ctx, a.config.Verifier, s.id.Address(), sc.Digest, s.sig)
		if err != nil {
			a.log.Warn().Err(err).Str("role", s.role).Msg("library verification unavailable")
			continue
		}
		a.log.Info().Str("role", s.role).Bool("valid", ok).Msg("library verification output")
	}
}
