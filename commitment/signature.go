package commitment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature is a 65 byte R||S||V signature over the eth_sign prefixed
// digest, with V in {27, 28}.
type Signature []byte

func (s Signature) String() string {
	return hexutil.Encode(s)
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode("0x" + strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if len(b) != crypto.SignatureLength {
		return fmt.Errorf("decoding signature: length %d", len(b))
	}
	*s = b
	return nil
}

// Signer produces signatures for one participant. ledger.Identity implements
// it.
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// Verifier answers whether signer signed digest. The on-ledger signature
// library is the authority; no local recovery is attempted.
type Verifier interface {
	Verify(ctx context.Context, signer common.Address, digest common.Hash, sig []byte) (bool, error)
}

// Sign asks signer for a signature over digest. It may block on the signer.
func Sign(ctx context.Context, signer Signer, digest common.Hash) (Signature, error) {
	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("signing %s as %s: %w", digest.Hex(), signer.Address().Hex(), err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("signing %s as %s: signature has length %d", digest.Hex(), signer.Address().Hex(), len(sig))
	}
	return Signature(sig), nil
}

// Verify asks the oracle whether sig by signer over digest is valid.
func Verify(ctx context.Context, verifier Verifier, signer common.Address, digest common.Hash, sig Signature) (bool, error) {
	if verifier == nil {
		return false, errors.New("verifying signature: no verifier")
	}
	ok, err := verifier.Verify(ctx, signer, digest, sig)
	if err != nil {
		return false, fmt.Errorf("verifying signature by %s: %w", signer.Hex(), err)
	}
	return ok, nil
}

// SignedCommitment is a commitment with both participants' signatures over
// its digest. It is not persisted.
type SignedCommitment struct {
	Commitment   StateCommitment
	Encoding     Encoding
	Digest       common.Hash
	Initiator    Signature
	Counterparty Signature
}

// Build digests c under enc and obtains the initiator's signature followed by
// the counterparty's.
func Build(ctx context.Context, enc Encoding, c StateCommitment, initiator, counterparty Signer) (SignedCommitment, error) {
	digest, err := c.Digest(enc)
	if err != nil {
		return SignedCommitment{}, fmt.Errorf("building commitment: %w", err)
	}
	sigInitiator, err := Sign(ctx, initiator, digest)
	if err != nil {
		return SignedCommitment{}, fmt.Errorf("building commitment: %w", err)
	}
	sigCounterparty, err := Sign(ctx, counterparty, digest)
	if err != nil {
		return SignedCommitment{}, fmt.Errorf("building commitment: %w", err)
	}
	return SignedCommitment{
		Commitment:   c,
		Encoding:     enc,
		Digest:       digest,
		Initiator:    sigInitiator,
		Counterparty: sigCounterparty,
	}, nil
}
