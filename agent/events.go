package agent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/danielksan81/Perun/state"
)

// ErrorEvent occurs when an error has occurred, and contains the error
// occurred.
type ErrorEvent struct {
	Err error
}

// PhaseChangedEvent occurs when the channel moves from one phase to another.
type PhaseChangedEvent struct {
	From state.Phase
	To   state.Phase
}

// ConfirmationSubmittedEvent occurs when a participant's confirmation has
// been mined.
type ConfirmationSubmittedEvent struct {
	Participant common.Address
	Collateral  *big.Int
	TxHash      common.Hash
}

// RegistrationSubmittedEvent occurs when the signed state has been
// registered.
type RegistrationSubmittedEvent struct {
	Digest common.Hash
	TxHash common.Hash
}
