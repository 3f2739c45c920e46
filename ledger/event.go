package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Event is a decoded contract log. Args maps the event's argument names to
// their decoded values: addresses are common.Address, unsigned integers wider
// than 64 bits are *big.Int.
type Event struct {
	Name        string
	Args        map[string]interface{}
	Contract    common.Address
	BlockNumber uint64
	Index       uint
	TxHash      common.Hash
	Removed     bool
}

// After reports whether e comes strictly after o in ledger order, that is by
// block number and then by index within the block.
func (e Event) After(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber > o.BlockNumber
	}
	return e.Index > o.Index
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d:%d", e.Name, e.BlockNumber, e.Index)
}

// Address returns the named address argument.
func (e Event) Address(name string) (common.Address, error) {
	v, ok := e.Args[name]
	if !ok {
		return common.Address{}, fmt.Errorf("event %s has no argument %q", e.Name, name)
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("event %s argument %q is %T, not an address", e.Name, name, v)
	}
	return a, nil
}

// BigInt returns the named integer argument.
func (e Event) BigInt(name string) (*big.Int, error) {
	v, ok := e.Args[name]
	if !ok {
		return nil, fmt.Errorf("event %s has no argument %q", e.Name, name)
	}
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("event %s argument %q is %T, not an integer", e.Name, name, v)
	}
}

// Text returns the named argument formatted for logs.
func (e Event) Text(name string) string {
	v, ok := e.Args[name]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Contract is a deployed contract: its address and the ABI used to encode
// calls and decode its logs.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// Bind returns a go-ethereum bound contract for c on the backend.
func (c Contract) Bind(backend bind.ContractBackend) *bind.BoundContract {
	return bind.NewBoundContract(c.Address, c.ABI, backend, backend, backend)
}
