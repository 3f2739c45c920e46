package state

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielksan81/Perun/ledger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func testConfig() Config {
	return Config{
		Handle: Handle{
			Channel:      common.HexToAddress("0x0000000000000000000000000000000000000c01"),
			Library:      common.HexToAddress("0x0000000000000000000000000000000000000c02"),
			Factory:      common.HexToAddress("0x0000000000000000000000000000000000000c03"),
			Initiator:    alice,
			Counterparty: bob,
		},
		Round: Round{
			SequenceID:          1,
			Version:             1,
			BlockedInitiator:    big.NewInt(5),
			BlockedCounterparty: big.NewInt(5),
		},
		Collateral: big.NewInt(10),
	}
}

func initializing(block uint64, index uint) ledger.Event {
	return ledger.Event{
		Name:        EventInitializing,
		Args:        map[string]interface{}{"addressAlice": alice, "addressBob": bob},
		BlockNumber: block,
		Index:       index,
	}
}

func initialized(block uint64, index uint) ledger.Event {
	return ledger.Event{
		Name:        EventInitialized,
		Args:        map[string]interface{}{"cashAlice": big.NewInt(10), "cashBob": big.NewInt(10)},
		BlockNumber: block,
		Index:       index,
	}
}

func stateRegistering(block uint64, index uint) ledger.Event {
	return ledger.Event{Name: EventStateRegistering, Args: map[string]interface{}{}, BlockNumber: block, Index: index}
}

func TestChannel_happyPath(t *testing.T) {
	c := NewChannel(testConfig())
	assert.Equal(t, PhaseAwaitingFunding, c.Phase())
	require.NoError(t, c.Deployed())
	assert.Equal(t, PhaseAwaitingConfirmation, c.Phase())

	a, err := c.Ingest(initializing(1, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionConfirm, a.Kind)
	assert.Equal(t, big.NewInt(10), a.Collateral)
	assert.Equal(t, PhaseAwaitingConfirmation, c.Phase())

	require.NoError(t, c.ConfirmationsMined())
	assert.Equal(t, PhaseInitialized, c.Phase())

	a, err = c.Ingest(initialized(2, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionRegister, a.Kind)
	assert.Equal(t, uint64(1), a.Round.SequenceID)
	assert.Equal(t, uint64(1), a.Round.Version)
	assert.Equal(t, big.NewInt(5), a.Round.BlockedInitiator)
	assert.Equal(t, big.NewInt(5), a.Round.BlockedCounterparty)
	assert.Equal(t, big.NewInt(10), a.FundedInitiator)
	assert.Equal(t, big.NewInt(10), a.FundedCounterparty)

	require.NoError(t, c.RegistrationSubmitted())
	assert.Equal(t, PhaseStateRegistering, c.Phase())

	a, err = c.Ingest(stateRegistering(3, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionAcknowledge, a.Kind)
	assert.Equal(t, PhaseRegistered, c.Phase())

	fundedA, fundedB := c.Funded()
	assert.Equal(t, big.NewInt(10), fundedA)
	assert.Equal(t, big.NewInt(10), fundedB)
}

func TestChannel_Ingest_duplicateInitializing(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())

	a, err := c.Ingest(initializing(1, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionConfirm, a.Kind)

	// Same log delivered again.
	a, err = c.Ingest(initializing(1, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
	assert.Equal(t, "already ingested", a.Reason)

	// A second emission of the event later in the log.
	a, err = c.Ingest(initializing(4, 2))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
	assert.Equal(t, "confirmations already submitted", a.Reason)

	// Still latched after confirmations were mined.
	require.NoError(t, c.ConfirmationsMined())
	a, err = c.Ingest(initializing(5, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
}

func TestChannel_Ingest_duplicateInitialized(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())
	_, err := c.Ingest(initializing(1, 0))
	require.NoError(t, err)
	require.NoError(t, c.ConfirmationsMined())

	a, err := c.Ingest(initialized(2, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionRegister, a.Kind)

	a, err = c.Ingest(initialized(2, 1))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
	assert.Equal(t, "registration already submitted", a.Reason)
}

func TestChannel_Ingest_unknownEvent(t *testing.T) {
	phases := []func(c *Channel){
		func(c *Channel) {},
		func(c *Channel) { require.NoError(t, c.Deployed()) },
		func(c *Channel) {
			require.NoError(t, c.Deployed())
			_, err := c.Ingest(initializing(1, 0))
			require.NoError(t, err)
			require.NoError(t, c.ConfirmationsMined())
		},
	}
	for _, setup := range phases {
		c := NewChannel(testConfig())
		setup(c)
		before := c.Phase()

		a, err := c.Ingest(ledger.Event{Name: "Foo", Args: map[string]interface{}{"x": big.NewInt(1)}, BlockNumber: 9})
		require.NoError(t, err)
		assert.Equal(t, ActionIgnore, a.Kind)
		assert.Equal(t, "unrecognized event", a.Reason)
		assert.Equal(t, before, c.Phase())
	}
}

func TestChannel_Ingest_diagnosticEvents(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())
	for i, name := range []string{EventDebug, EventVerificationSucceeded, EventVerificationFailed} {
		a, err := c.Ingest(ledger.Event{Name: name, Args: map[string]interface{}{"message": "hi"}, BlockNumber: uint64(i + 1)})
		require.NoError(t, err)
		assert.Equal(t, ActionLog, a.Kind)
	}
	assert.Equal(t, PhaseAwaitingConfirmation, c.Phase())
}

func TestChannel_Ingest_outOfPhase(t *testing.T) {
	c := NewChannel(testConfig())
	// Not deployed yet.
	a, err := c.Ingest(initializing(1, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)

	require.NoError(t, c.Deployed())
	a, err = c.Ingest(initialized(2, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
	a, err = c.Ingest(stateRegistering(3, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)
	assert.Equal(t, PhaseAwaitingConfirmation, c.Phase())
}

func TestChannel_Ingest_participantMismatch(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())

	e := initializing(1, 0)
	e.Args["addressBob"] = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_, err := c.Ingest(e)
	assert.ErrorIs(t, err, ErrParticipantMismatch)

	// Nothing was latched, the correct event still confirms.
	a, err := c.Ingest(initializing(2, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionConfirm, a.Kind)
}

func TestChannel_Ingest_missingArgs(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())
	_, err := c.Ingest(ledger.Event{Name: EventInitializing, BlockNumber: 1})
	assert.ErrorContains(t, err, `has no argument "addressAlice"`)
}

func TestChannel_Fail(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())
	c.Fail(errors.New("connection lost"))
	assert.Equal(t, PhaseFailed, c.Phase())
	assert.Equal(t, "connection lost", c.Failure())

	_, err := c.Ingest(initializing(1, 0))
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, c.ConfirmationsMined(), ErrFailed)
	assert.ErrorIs(t, c.RegistrationSubmitted(), ErrFailed)
	assert.Error(t, c.Deployed())
}

func TestChannel_initializedImpliesConfirmationsMined(t *testing.T) {
	c := NewChannel(testConfig())
	require.NoError(t, c.Deployed())
	_, err := c.Ingest(initializing(1, 0))
	require.NoError(t, err)

	a, err := c.Ingest(initialized(2, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionRegister, a.Kind)
	assert.Equal(t, PhaseInitialized, c.Phase())
}

func TestChannel_transitionsOutOfPhase(t *testing.T) {
	c := NewChannel(testConfig())
	assert.Error(t, c.ConfirmationsMined())
	assert.Error(t, c.RegistrationSubmitted())
	require.NoError(t, c.Deployed())
	assert.Error(t, c.Deployed())
	assert.EqualError(t, c.ConfirmationsMined(), "confirmations mined in phase awaiting_confirmation")
}

func TestChannel_snapshotRestore(t *testing.T) {
	cfg := testConfig()
	c := NewChannel(cfg)
	require.NoError(t, c.Deployed())
	_, err := c.Ingest(initializing(7, 3))
	require.NoError(t, err)

	b, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(b, &s))

	restored := NewChannelFromSnapshot(cfg, s)
	assert.Equal(t, PhaseAwaitingConfirmation, restored.Phase())
	assert.Equal(t, uint64(7), restored.ResumeBlock())

	// Redelivery from the resume block does not confirm again.
	a, err := restored.Ingest(initializing(7, 3))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, a.Kind)

	a, err = restored.Ingest(initialized(8, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionRegister, a.Kind)
	require.NoError(t, restored.RegistrationSubmitted())

	restored = NewChannelFromSnapshot(cfg, restored.Snapshot())
	assert.Equal(t, PhaseStateRegistering, restored.Phase())
	fundedA, _ := restored.Funded()
	assert.Equal(t, big.NewInt(10), fundedA)
	a, err = restored.Ingest(stateRegistering(9, 0))
	require.NoError(t, err)
	assert.Equal(t, ActionAcknowledge, a.Kind)
	assert.Equal(t, PhaseRegistered, restored.Phase())
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "confirm", ActionConfirm.String())
	assert.Equal(t, "action(42)", ActionKind(42).String())
}
