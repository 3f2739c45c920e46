// Package agent drives one payment channel: it ingests the channel contract's
// events in order and performs the confirmations and state registration the
// channel's state machine asks for.
package agent

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/metrics"
	"github.com/danielksan81/Perun/state"
)

// ChannelContract submits calls to the channel contract and waits for them to
// be mined.
type ChannelContract interface {
	Confirm(ctx context.Context, from ledger.Identity, collateral *big.Int) (*types.Receipt, error)
	StateRegister(ctx context.Context, from ledger.Identity, sc commitment.SignedCommitment) (*types.Receipt, error)
}

// Stream is an ordered stream of events from one contract. Err receives a
// delivery failure, after which Events is closed.
type Stream interface {
	Events() <-chan ledger.Event
	Err() <-chan error
	Unsubscribe()
}

// Snapshotter is given a snapshot of the agent whenever its meaningful state
// changes. Snapshots can be restored using NewAgentFromSnapshot.
type Snapshotter interface {
	Snapshot(a *Agent, s Snapshot)
}

type Config struct {
	Handle     state.Handle
	Round      state.Round
	Collateral *big.Int
	Encoding   commitment.Encoding

	Initiator    ledger.Identity
	Counterparty ledger.Identity

	Contract ChannelContract
	// Verifier is asked about both signatures before registration. Its
	// answer is logged only. Optional.
	Verifier commitment.Verifier

	Snapshotter Snapshotter
	Metrics     metrics.Collector
	Logger      zerolog.Logger

	Events chan<- interface{}
}

func (c Config) stateConfig() state.Config {
	return state.Config{
		Handle:     c.Handle,
		Round:      c.Round,
		Collateral: c.Collateral,
	}
}

func NewAgent(c Config) *Agent {
	return newAgent(c, state.NewChannel(c.stateConfig()))
}

func newAgent(c Config, channel *state.Channel) *Agent {
	m := c.Metrics
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &Agent{
		config:  c,
		log:     c.Logger.With().Str("channel", c.Handle.Channel.Hex()).Logger(),
		metrics: m,
		events:  c.Events,
		channel: channel,
	}
}

// Snapshot is a snapshot of the agent's channel and the round it agreed to.
// Signatures are not part of it. A Snapshot can be restored into an Agent
// using NewAgentFromSnapshot.
type Snapshot struct {
	Handle     state.Handle
	Round      state.Round
	Collateral *big.Int
	Encoding   commitment.Encoding
	State      state.Snapshot
}

// NewAgentFromSnapshot creates an agent using a previously generated snapshot
// so that the new agent has the same state as the previous agent. The
// snapshot's round, collateral and encoding replace those in c, so a restored
// channel signs and funds what was agreed before the restart. The rest of c
// should match the config in use when the snapshot was created.
func NewAgentFromSnapshot(c Config, s Snapshot) *Agent {
	if s.Round.BlockedInitiator != nil && s.Round.BlockedCounterparty != nil {
		c.Round = s.Round
	}
	if s.Collateral != nil {
		c.Collateral = s.Collateral
	}
	c.Encoding = s.Encoding
	return newAgent(c, state.NewChannelFromSnapshot(c.stateConfig(), s.State))
}

// Agent coordinates one payment channel.
type Agent struct {
	config  Config
	log     zerolog.Logger
	metrics metrics.Collector

	events chan<- interface{}

	// mu is a lock for the mutable fields of this type. It should be locked
	// when reading or writing any of the mutable fields. The mutable fields are
	// listed below. If pushing to a chan, such as Events, it is unnecessary to
	// lock.
	mu sync.Mutex

	channel *state.Channel
}

// Config returns the configuration the agent was created with.
func (a *Agent) Config() Config {
	return a.config
}

func (a *Agent) Phase() state.Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.Phase()
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// ResumeBlock is the block to subscribe from when resuming.
func (a *Agent) ResumeBlock() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.ResumeBlock()
}

func (a *Agent) snapshotLocked() Snapshot {
	return Snapshot{
		Handle:     a.config.Handle,
		Round:      a.config.Round,
		Collateral: a.config.Collateral,
		Encoding:   a.config.Encoding,
		State:      a.channel.Snapshot(),
	}
}

func (a *Agent) emit(e interface{}) {
	if a.events != nil {
		a.events <- e
	}
}

// update applies f to the channel, snapshots it and reports a phase change.
func (a *Agent) update(f func(c *state.Channel) error) error {
	a.mu.Lock()
	before := a.channel.Phase()
	err := f(a.channel)
	after := a.channel.Phase()
	if a.config.Snapshotter != nil {
		a.config.Snapshotter.Snapshot(a, a.snapshotLocked())
	}
	a.mu.Unlock()

	if after != before {
		a.log.Info().Str("from", string(before)).Str("to", string(after)).Msg("phase changed")
		a.metrics.PhaseChanged(string(after))
		a.emit(PhaseChangedEvent{From: before, To: after})
	}
	return err
}

// Deployed tells the agent the channel contract has been mined.
func (a *Agent) Deployed() error {
	return a.update(func(c *state.Channel) error {
		return c.Deployed()
	})
}

// Fail halts the channel. Later events are not processed.
func (a *Agent) Fail(err error) {
	a.log.Error().Err(err).Msg("channel failed")
	_ = a.update(func(c *state.Channel) error {
		c.Fail(err)
		return nil
	})
	a.emit(ErrorEvent{Err: err})
}

// Ingest processes one event and performs the resulting action. An error
// from the action fails the channel.
func (a *Agent) Ingest(ctx context.Context, e ledger.Event) error {
	var action state.Action
	err := a.update(func(c *state.Channel) error {
		var err error
		action, err = c.Ingest(e)
		return err
	})
	if errors.Is(err, state.ErrFailed) {
		return err
	}
	if err != nil {
		a.Fail(err)
		return err
	}

	switch action.Kind {
	case state.ActionConfirm:
		err = a.confirm(ctx, action)
	case state.ActionRegister:
		err = a.register(ctx, action)
	case state.ActionAcknowledge:
		a.log.Info().Stringer("event", e).Msg("state registered from participant")
	case state.ActionLog:
		a.logEvent(e)
	case state.ActionIgnore:
		a.log.Info().Stringer("event", e).Str("reason", action.Reason).Msg("ignoring event")
	}
	if err != nil {
		a.Fail(err)
		return err
	}
	return nil
}

func (a *Agent) logEvent(e ledger.Event) {
	switch e.Name {
	case state.EventDebug:
		a.log.Info().Str("message", e.Text("message")).Msg("debug message")
	case state.EventVerificationFailed:
		a.log.Warn().Stringer("event", e).Msg("signature verification failed")
	default:
		a.log.Info().Stringer("event", e).Msg("event")
	}
}

// Run ingests events from s in order until s ends, ctx is done, or the
// channel fails. A delivery failure fails the channel and is returned.
func (a *Agent) Run(ctx context.Context, s Stream) error {
	defer s.Unsubscribe()
	errs := s.Err()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				a.Fail(err)
				return err
			}
		case e, ok := <-s.Events():
			if !ok {
				select {
				case err := <-s.Err():
					if err != nil {
						a.Fail(err)
						return err
					}
				default:
				}
				return nil
			}
			if err := a.Ingest(ctx, e); err != nil {
				return err
			}
		}
	}
}
