package commitment

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Encoding selects how the numeric fields of a commitment are laid out before
// hashing. The two encodings produce different digests for the same
// commitment and a signature over one does not verify against the other.
type Encoding int

const (
	// EncodingWord widens every integer to a 32 byte big-endian word, as
	// Solidity's tightly packed keccak256(address, uint, uint, uint, uint)
	// does. It is the encoding the channel contract verifies.
	EncodingWord Encoding = iota
	// EncodingCompact packs the sequence id and version at their native 8
	// byte width. Balances are always words.
	EncodingCompact
)

func (e Encoding) String() string {
	switch e {
	case EncodingWord:
		return "word"
	case EncodingCompact:
		return "compact"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "word", "":
		return EncodingWord, nil
	case "compact":
		return EncodingCompact, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Encoding) UnmarshalText(b []byte) error {
	parsed, err := ParseEncoding(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// encode lays out the fields in the fixed order channel, sequence id, blocked
// initiator, blocked counterparty, version.
func (e Encoding) encode(channel common.Address, sequenceID uint64, blockedInitiator, blockedCounterparty *big.Int, version uint64) ([]byte, error) {
	var b []byte
	switch e {
	case EncodingWord:
		b = make([]byte, 0, common.AddressLength+4*32)
		b = append(b, channel.Bytes()...)
		b = append(b, word(new(big.Int).SetUint64(sequenceID))...)
		b = append(b, word(blockedInitiator)...)
		b = append(b, word(blockedCounterparty)...)
		b = append(b, word(new(big.Int).SetUint64(version))...)
	case EncodingCompact:
		b = make([]byte, 0, common.AddressLength+8+2*32+8)
		b = append(b, channel.Bytes()...)
		b = binary.BigEndian.AppendUint64(b, sequenceID)
		b = append(b, word(blockedInitiator)...)
		b = append(b, word(blockedCounterparty)...)
		b = binary.BigEndian.AppendUint64(b, version)
	default:
		return nil, fmt.Errorf("encoding commitment: unknown %s", e)
	}
	return b, nil
}

func word(n *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(n))
}
