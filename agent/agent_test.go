package agent

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/state"
)

type confirmation struct {
	From       common.Address
	Collateral *big.Int
}

// fakeContract records every call made on the channel contract.
type fakeContract struct {
	mu            sync.Mutex
	confirmations []confirmation
	registrations []commitment.SignedCommitment
	registeredBy  []common.Address

	confirmErr  func(from common.Address) error
	registerErr error
}

func (f *fakeContract) Confirm(ctx context.Context, from ledger.Identity, collateral *big.Int) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations = append(f.confirmations, confirmation{From: from.Address(), Collateral: collateral})
	if f.confirmErr != nil {
		if err := f.confirmErr(from.Address()); err != nil {
			return nil, err
		}
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.BytesToHash(from.Address().Bytes())}, nil
}

func (f *fakeContract) StateRegister(ctx context.Context, from ledger.Identity, sc commitment.SignedCommitment) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, sc)
	f.registeredBy = append(f.registeredBy, from.Address())
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x5e")}, nil
}

func (f *fakeContract) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirmations) + len(f.registrations)
}

type recoveringVerifier struct{}

func (recoveringVerifier) Verify(ctx context.Context, signer common.Address, digest common.Hash, sig []byte) (bool, error) {
	return recovers(signer, digest, sig), nil
}

func recovers(signer common.Address, digest common.Hash, sig []byte) bool {
	rsv := append([]byte{}, sig...)
	rsv[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), rsv)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == signer
}

// fakeStream is a Stream fed by the test.
type fakeStream struct {
	events chan ledger.Event
	errs   chan error
	once   sync.Once
	done   chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan ledger.Event, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Events() <-chan ledger.Event { return s.events }
func (s *fakeStream) Err() <-chan error           { return s.errs }
func (s *fakeStream) Unsubscribe()                { s.once.Do(func() { close(s.done) }) }

type snapshotterFunc func(a *Agent, s Snapshot)

func (f snapshotterFunc) Snapshot(a *Agent, s Snapshot) {
	f(a, s)
}

type fixture struct {
	alice, bob *ledger.KeyIdentity
	contract   *fakeContract
	handle     state.Handle
	events     chan interface{}
	config     Config
}

func newFixture(t *testing.T) *fixture {
	newIdentity := func() *ledger.KeyIdentity {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		return ledger.NewKeyIdentity(key, big.NewInt(1337))
	}
	f := &fixture{
		alice:    newIdentity(),
		bob:      newIdentity(),
		contract: &fakeContract{},
		events:   make(chan interface{}, 100),
	}
	f.handle = state.Handle{
		Channel:      common.HexToAddress("0x0000000000000000000000000000000000000c01"),
		Library:      common.HexToAddress("0x0000000000000000000000000000000000000c02"),
		Factory:      common.HexToAddress("0x0000000000000000000000000000000000000c03"),
		Initiator:    f.alice.Address(),
		Counterparty: f.bob.Address(),
	}
	f.config = Config{
		Handle: f.handle,
		Round: state.Round{
			SequenceID:          1,
			Version:             1,
			BlockedInitiator:    big.NewInt(5),
			BlockedCounterparty: big.NewInt(5),
		},
		Collateral:   big.NewInt(5),
		Encoding:     commitment.EncodingWord,
		Initiator:    f.alice,
		Counterparty: f.bob,
		Contract:     f.contract,
		Verifier:     recoveringVerifier{},
		Logger:       zerolog.Nop(),
		Events:       f.events,
	}
	return f
}

func (f *fixture) initializing(block uint64) ledger.Event {
	return ledger.Event{
		Name:        state.EventInitializing,
		Args:        map[string]interface{}{"addressAlice": f.alice.Address(), "addressBob": f.bob.Address()},
		BlockNumber: block,
	}
}

func initialized(block uint64) ledger.Event {
	return ledger.Event{
		Name:        state.EventInitialized,
		Args:        map[string]interface{}{"cashAlice": big.NewInt(10), "cashBob": big.NewInt(10)},
		BlockNumber: block,
	}
}

func stateRegistering(block uint64) ledger.Event {
	return ledger.Event{Name: state.EventStateRegistering, Args: map[string]interface{}{}, BlockNumber: block}
}

func (f *fixture) phaseChanges() []state.Phase {
	var phases []state.Phase
	for {
		select {
		case e := <-f.events:
			if pc, ok := e.(PhaseChangedEvent); ok {
				phases = append(phases, pc.To)
			}
		default:
			return phases
		}
	}
}

func TestAgent_endToEnd(t *testing.T) {
	f := newFixture(t)
	var snapshots []Snapshot
	f.config.Snapshotter = snapshotterFunc(func(a *Agent, s Snapshot) {
		snapshots = append(snapshots, s)
	})
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	assert.Equal(t, state.PhaseAwaitingConfirmation, a.Phase())

	stream := newFakeStream()
	stream.events <- f.initializing(1)
	stream.events <- initialized(2)
	stream.events <- stateRegistering(3)
	close(stream.events)

	err := a.Run(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseRegistered, a.Phase())

	// One confirmation from each participant, each locking 5.
	require.Len(t, f.contract.confirmations, 2)
	from := map[common.Address]*big.Int{}
	for _, c := range f.contract.confirmations {
		from[c.From] = c.Collateral
	}
	assert.Equal(t, big.NewInt(5), from[f.alice.Address()])
	assert.Equal(t, big.NewInt(5), from[f.bob.Address()])

	// The agreed round was signed by both and registered by the initiator.
	require.Len(t, f.contract.registrations, 1)
	sc := f.contract.registrations[0]
	assert.Equal(t, f.alice.Address(), f.contract.registeredBy[0])
	assert.Equal(t, f.handle.Factory, sc.Commitment.Channel)
	assert.Equal(t, uint64(1), sc.Commitment.SequenceID)
	assert.Equal(t, big.NewInt(5), sc.Commitment.BlockedInitiator)
	assert.Equal(t, big.NewInt(5), sc.Commitment.BlockedCounterparty)
	assert.Equal(t, uint64(1), sc.Commitment.Version)
	wantDigest, err := commitment.Digest(commitment.EncodingWord, f.handle.Factory, 1, big.NewInt(5), big.NewInt(5), 1)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, sc.Digest)
	assert.True(t, recovers(f.alice.Address(), sc.Digest, sc.Initiator))
	assert.True(t, recovers(f.bob.Address(), sc.Digest, sc.Counterparty))

	assert.Equal(t, []state.Phase{
		state.PhaseAwaitingConfirmation,
		state.PhaseInitialized,
		state.PhaseStateRegistering,
		state.PhaseRegistered,
	}, f.phaseChanges())

	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, state.PhaseRegistered, last.State.Phase)
	assert.True(t, last.State.ConfirmationsSubmitted)
	assert.Equal(t, f.handle, last.Handle)
}

func TestAgent_duplicateInitializing(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, f.initializing(1)))
	require.NoError(t, a.Ingest(ctx, f.initializing(1)))
	require.NoError(t, a.Ingest(ctx, f.initializing(2)))

	require.Len(t, f.contract.confirmations, 2)
	assert.NotEqual(t, f.contract.confirmations[0].From, f.contract.confirmations[1].From)
	assert.Equal(t, state.PhaseInitialized, a.Phase())
}

func TestAgent_unknownEvent(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	ctx := context.Background()

	for i, setup := range []func(){
		func() {},
		func() { require.NoError(t, a.Ingest(ctx, f.initializing(1))) },
	} {
		setup()
		before := a.Phase()
		calls := f.contract.calls()
		err := a.Ingest(ctx, ledger.Event{Name: "Foo", Args: map[string]interface{}{"x": big.NewInt(1)}, BlockNumber: uint64(2 * i)})
		require.NoError(t, err)
		assert.Equal(t, before, a.Phase())
		assert.Equal(t, calls, f.contract.calls())
	}
}

func TestAgent_dispatchError(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())

	stream := newFakeStream()
	stream.errs <- errors.New("connection lost")
	close(stream.events)

	err := a.Run(context.Background(), stream)
	assert.EqualError(t, err, "connection lost")
	assert.Equal(t, state.PhaseFailed, a.Phase())
	assert.Equal(t, 0, f.contract.calls())

	// A failed channel issues no further calls.
	err = a.Ingest(context.Background(), f.initializing(1))
	assert.ErrorIs(t, err, state.ErrFailed)
	assert.Equal(t, 0, f.contract.calls())

	select {
	case <-stream.done:
	default:
		t.Fatal("stream not unsubscribed")
	}
}

func TestAgent_dispatchErrorAfterEvents(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())

	stream := newFakeStream()
	stream.events <- f.initializing(1)

	done := make(chan error)
	go func() { done <- a.Run(context.Background(), stream) }()

	require.Eventually(t, func() bool { return a.Phase() == state.PhaseInitialized }, 5*time.Second, 10*time.Millisecond)
	stream.errs <- errors.New("connection lost")

	select {
	case err := <-done:
		assert.EqualError(t, err, "connection lost")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, state.PhaseFailed, a.Phase())
	assert.Equal(t, 2, f.contract.calls())
}

func TestAgent_confirmationFailure(t *testing.T) {
	f := newFixture(t)
	f.contract.confirmErr = func(from common.Address) error {
		if from == f.bob.Address() {
			return &ledger.TransactionError{Method: "confirm", From: from, Err: ledger.ErrReverted}
		}
		return nil
	}
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())

	err := a.Ingest(context.Background(), f.initializing(1))
	assert.ErrorIs(t, err, ledger.ErrReverted)
	var txErr *ledger.TransactionError
	assert.ErrorAs(t, err, &txErr)
	assert.Equal(t, state.PhaseFailed, a.Phase())
	// Alice's confirmation went through and is not undone.
	assert.Len(t, f.contract.confirmations, 2)
}

func TestAgent_registrationFailure(t *testing.T) {
	f := newFixture(t)
	f.contract.registerErr = &ledger.TransactionError{Method: "stateRegister", Err: ledger.ErrMiningTimeout}
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, f.initializing(1)))
	err := a.Ingest(ctx, initialized(2))
	assert.ErrorIs(t, err, ledger.ErrMiningTimeout)
	assert.Equal(t, state.PhaseFailed, a.Phase())

	var errEvents []error
	for len(f.events) > 0 {
		if e, ok := (<-f.events).(ErrorEvent); ok {
			errEvents = append(errEvents, e.Err)
		}
	}
	require.Len(t, errEvents, 1)
	assert.ErrorIs(t, errEvents[0], ledger.ErrMiningTimeout)
}

func TestAgent_participantMismatchFails(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())

	e := f.initializing(1)
	e.Args["addressAlice"] = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	err := a.Ingest(context.Background(), e)
	assert.ErrorIs(t, err, state.ErrParticipantMismatch)
	assert.Equal(t, state.PhaseFailed, a.Phase())
	assert.Equal(t, 0, f.contract.calls())
}

func TestAgent_fromSnapshot(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	require.NoError(t, a.Ingest(context.Background(), f.initializing(4)))
	s := a.Snapshot()

	restored := NewAgentFromSnapshot(f.config, s)
	assert.Equal(t, state.PhaseInitialized, restored.Phase())
	assert.Equal(t, uint64(4), restored.ResumeBlock())

	// Replaying from the resume block does not confirm twice.
	ctx := context.Background()
	require.NoError(t, restored.Ingest(ctx, f.initializing(4)))
	require.NoError(t, restored.Ingest(ctx, initialized(5)))
	assert.Len(t, f.contract.confirmations, 2)
	assert.Len(t, f.contract.registrations, 1)
	assert.Equal(t, state.PhaseStateRegistering, restored.Phase())
}

func TestAgent_fromSnapshot_keepsAgreedRound(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	require.NoError(t, a.Deployed())
	require.NoError(t, a.Ingest(context.Background(), f.initializing(1)))
	s := a.Snapshot()
	assert.Equal(t, f.config.Round, s.Round)
	assert.Equal(t, big.NewInt(5), s.Collateral)

	changed := f.config
	changed.Round = state.Round{
		SequenceID:          7,
		Version:             3,
		BlockedInitiator:    big.NewInt(1),
		BlockedCounterparty: big.NewInt(2),
	}
	changed.Collateral = big.NewInt(99)
	changed.Encoding = commitment.EncodingCompact

	restored := NewAgentFromSnapshot(changed, s)
	assert.Equal(t, f.config.Round, restored.Config().Round)
	assert.Equal(t, big.NewInt(5), restored.Config().Collateral)
	assert.Equal(t, commitment.EncodingWord, restored.Config().Encoding)

	require.NoError(t, restored.Ingest(context.Background(), initialized(2)))
	require.Len(t, f.contract.registrations, 1)
	sc := f.contract.registrations[0]
	assert.Equal(t, uint64(1), sc.Commitment.SequenceID)
	assert.Equal(t, uint64(1), sc.Commitment.Version)
	assert.Equal(t, big.NewInt(5), sc.Commitment.BlockedInitiator)
	assert.Equal(t, big.NewInt(5), sc.Commitment.BlockedCounterparty)
	assert.Equal(t, commitment.EncodingWord, sc.Encoding)
}

func TestAgent_Run_contextCancelled(t *testing.T) {
	f := newFixture(t)
	a := NewAgent(f.config)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Run(ctx, newFakeStream())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchLibrary(t *testing.T) {
	stream := newFakeStream()
	stream.events <- ledger.Event{Name: state.EventVerificationSucceeded, BlockNumber: 1}
	stream.events <- ledger.Event{Name: state.EventVerificationFailed, BlockNumber: 2}
	stream.events <- ledger.Event{Name: state.EventDebug, Args: map[string]interface{}{"message": "hi"}, BlockNumber: 3}
	close(stream.events)
	assert.NoError(t, WatchLibrary(context.Background(), stream, zerolog.Nop()))

	stream = newFakeStream()
	stream.errs <- errors.New("connection lost")
	close(stream.events)
	assert.EqualError(t, WatchLibrary(context.Background(), stream, zerolog.Nop()), "connection lost")
}
