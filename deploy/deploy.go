// Package deploy sequences the deployment of the signature library, the
// channel factory and channel contracts, threading the library address into
// each later deployment.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/compile"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/state"
)

var (
	DefaultLibrary = compile.ContractRef{Name: "LibSignatures", Source: "contracts/LibSignatures.sol"}
	DefaultFactory = compile.ContractRef{Name: "VPC", Source: "contracts/VPC.sol"}
	DefaultChannel = compile.ContractRef{Name: "MSContract", Source: "contracts/MSContract.sol"}
)

// Deployer submits contract creations and waits for them to be mined.
// ledger.Client implements it.
type Deployer interface {
	Deploy(ctx context.Context, from ledger.Identity, name string, contractABI abi.ABI, bytecode []byte, args ...interface{}) (ledger.Contract, common.Hash, error)
}

// LibraryReference is a deployed library that later contracts link against.
// It is passed explicitly; redeploying a library produces a new reference and
// leaves contracts linked against the old one untouched.
type LibraryReference struct {
	compile.ContractRef
	Address common.Address
}

// DeploymentError is a deployment that failed to compile, was rejected,
// reverted or was not mined in time. Deployments are not retried.
type DeploymentError struct {
	Contract string
	Err      error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deploying %s: %v", e.Contract, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// Deployment is a mined contract.
type Deployment struct {
	ledger.Contract
	TxHash common.Hash
}

type Config struct {
	Compiler compile.Compiler
	Deployer Deployer
	From     ledger.Identity
	Logger   zerolog.Logger

	Library compile.ContractRef
	Factory compile.ContractRef
	Channel compile.ContractRef
}

type Coordinator struct {
	compiler compile.Compiler
	deployer Deployer
	from     ledger.Identity
	log      zerolog.Logger

	library compile.ContractRef
	factory compile.ContractRef
	channel compile.ContractRef
}

func NewCoordinator(c Config) *Coordinator {
	co := &Coordinator{
		compiler: c.Compiler,
		deployer: c.Deployer,
		from:     c.From,
		log:      c.Logger.With().Str("component", "deploy").Logger(),
		library:  c.Library,
		factory:  c.Factory,
		channel:  c.Channel,
	}
	if co.library.Name == "" {
		co.library = DefaultLibrary
	}
	if co.factory.Name == "" {
		co.factory = DefaultFactory
	}
	if co.channel.Name == "" {
		co.channel = DefaultChannel
	}
	return co
}

// Deploy compiles ref, links it against lib when lib is not nil, and deploys
// it with args.
func (c *Coordinator) Deploy(ctx context.Context, ref compile.ContractRef, args []interface{}, lib *LibraryReference) (*Deployment, error) {
	artifact, err := c.compiler.Compile(ctx, ref)
	if err != nil {
		return nil, &DeploymentError{Contract: ref.Name, Err: err}
	}
	bin := artifact.Bin
	if lib != nil {
		bin, err = compile.Link(bin, map[string]common.Address{
			lib.FullyQualifiedName(): lib.Address,
		})
		if err != nil {
			return nil, &DeploymentError{Contract: ref.Name, Err: err}
		}
	}
	artifact.Bin = bin
	bytecode, err := artifact.Bytecode()
	if err != nil {
		return nil, &DeploymentError{Contract: ref.Name, Err: err}
	}

	contract, txHash, err := c.deployer.Deploy(ctx, c.from, ref.Name, artifact.ABI, bytecode, args...)
	if err != nil {
		return nil, &DeploymentError{Contract: ref.Name, Err: err}
	}
	if contract.Address == (common.Address{}) {
		return nil, &DeploymentError{Contract: ref.Name, Err: errors.New("mined without a contract address")}
	}
	c.log.Info().
		Str("contract", ref.Name).
		Stringer("address", contract.Address).
		Stringer("tx", txHash).
		Msg("contract mined")
	return &Deployment{Contract: contract, TxHash: txHash}, nil
}

// DeployLibrary deploys the signature library, which has no dependencies.
func (c *Coordinator) DeployLibrary(ctx context.Context) (LibraryReference, *Deployment, error) {
	d, err := c.Deploy(ctx, c.library, nil, nil)
	if err != nil {
		return LibraryReference{}, nil, err
	}
	return LibraryReference{ContractRef: c.library, Address: d.Address}, d, nil
}

// DeployFactory deploys the channel factory linked against lib.
func (c *Coordinator) DeployFactory(ctx context.Context, lib LibraryReference) (*Deployment, error) {
	return c.Deploy(ctx, c.factory, nil, &lib)
}

// DeployChannel deploys a channel between initiator and counterparty linked
// against lib.
func (c *Coordinator) DeployChannel(ctx context.Context, lib LibraryReference, initiator, counterparty common.Address) (*Deployment, error) {
	return c.Deploy(ctx, c.channel, []interface{}{initiator, counterparty}, &lib)
}

// Stack is the set of contracts one channel runs against.
type Stack struct {
	Library    LibraryReference
	LibraryABI abi.ABI
	Factory    *Deployment
	Channel    *Deployment

	Initiator    common.Address
	Counterparty common.Address
}

// Handle identifies the channel in the stack.
func (s *Stack) Handle() state.Handle {
	return state.Handle{
		Channel:      s.Channel.Address,
		Library:      s.Library.Address,
		Factory:      s.Factory.Address,
		Initiator:    s.Initiator,
		Counterparty: s.Counterparty,
	}
}

// LibraryContract is the deployed library with its ABI.
func (s *Stack) LibraryContract() ledger.Contract {
	return ledger.Contract{Name: s.Library.Name, Address: s.Library.Address, ABI: s.LibraryABI}
}

// DeployAll deploys the library, then the factory, then the channel, in that
// order. The first failure stops the sequence.
func (c *Coordinator) DeployAll(ctx context.Context, initiator, counterparty common.Address) (*Stack, error) {
	lib, libDeployment, err := c.DeployLibrary(ctx)
	if err != nil {
		return nil, err
	}
	factory, err := c.DeployFactory(ctx, lib)
	if err != nil {
		return nil, err
	}
	channel, err := c.DeployChannel(ctx, lib, initiator, counterparty)
	if err != nil {
		return nil, err
	}
	return &Stack{
		Library:      lib,
		LibraryABI:   libDeployment.ABI,
		Factory:      factory,
		Channel:      channel,
		Initiator:    initiator,
		Counterparty: counterparty,
	}, nil
}
