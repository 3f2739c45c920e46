/*
Package state contains a state machine, contained in the Channel type, for
managing one two-party payment channel through funding, initialization and
state registration.

The Channel does not talk to the ledger. Ledger events are given to Ingest,
which advances the channel and returns the Action the caller must perform:

	awaiting_funding
	      | Deployed
	awaiting_confirmation
	      | EventInitializing -> ActionConfirm, then ConfirmationsMined
	initialized
	      | EventInitialized -> ActionRegister, then RegistrationSubmitted
	state_registering
	      | EventStateRegistering -> ActionAcknowledge
	registered

Any phase may move to failed with Fail. A failed channel ingests nothing.

Events must be ingested in ledger order. Events at or before the last
ingested position are ignored, and each event type has its effect at most
once, so replayed or duplicated logs never cause a second confirmation or
registration.

None of the primitives in this package are threadsafe and synchronization
must be provided by the caller if the package is used in a concurrent
context.
*/
package state
