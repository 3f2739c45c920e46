package state

import (
	"math/big"
)

// Snapshot is the state of a Channel that is not given in its Config.
// Signatures are never part of it.
type Snapshot struct {
	Phase   Phase
	Failure string `json:",omitempty"`

	ConfirmationsSubmitted bool
	RegistrationSubmitted  bool

	FundedInitiator    *big.Int `json:",omitempty"`
	FundedCounterparty *big.Int `json:",omitempty"`

	// LastBlock and LastIndex are the position of the last ingested event
	// when HasLast is set.
	HasLast   bool
	LastBlock uint64
	LastIndex uint
}

func (c *Channel) Snapshot() Snapshot {
	s := Snapshot{
		Phase:                  c.phase,
		Failure:                c.failure,
		ConfirmationsSubmitted: c.confirmationsSubmitted,
		RegistrationSubmitted:  c.registrationSubmitted,
		FundedInitiator:        c.fundedInitiator,
		FundedCounterparty:     c.fundedCounterparty,
	}
	if c.last != nil {
		s.HasLast = true
		s.LastBlock = c.last.Block
		s.LastIndex = c.last.Index
	}
	return s
}

// NewChannelFromSnapshot creates a channel with the state of a previous
// channel. The same config should be provided that was in use when the
// snapshot was created.
func NewChannelFromSnapshot(c Config, s Snapshot) *Channel {
	channel := NewChannel(c)
	if s.Phase != "" {
		channel.phase = s.Phase
	}
	channel.failure = s.Failure
	channel.confirmationsSubmitted = s.ConfirmationsSubmitted
	channel.registrationSubmitted = s.RegistrationSubmitted
	channel.fundedInitiator = s.FundedInitiator
	channel.fundedCounterparty = s.FundedCounterparty
	if s.HasLast {
		channel.last = &position{Block: s.LastBlock, Index: s.LastIndex}
	}
	return channel
}

// ResumeBlock is the block to resume event delivery from. Events at or
// before the last ingested position are ignored on redelivery.
func (c *Channel) ResumeBlock() uint64 {
	if c.last == nil {
		return 0
	}
	return c.last.Block
}
