package commitment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrEncodingMismatch is returned when the verifier rejects a signature over
// the digest computed with the expected encoding. It indicates a logic error
// to fix before redeploying, not a condition to recover from at runtime.
var ErrEncodingMismatch = errors.New("verifier rejected signature under expected encoding")

// EncodingResult is the verifier's answer for one encoding.
type EncodingResult struct {
	Encoding  Encoding
	Digest    common.Hash
	Signature Signature
	Accepted  bool
}

type CompatibilityReport struct {
	Signer  common.Address
	Results []EncodingResult
}

// Accepted returns the encodings the verifier accepted.
func (r CompatibilityReport) Accepted() []Encoding {
	var encs []Encoding
	for _, res := range r.Results {
		if res.Accepted {
			encs = append(encs, res.Encoding)
		}
	}
	return encs
}

// CheckEncodingCompatibility digests c under every encoding, signs each digest
// with signer and asks verifier about each signature. It is a diagnostic run
// once against a deployed library, separate from the channel protocol. If the
// verifier rejects the expected encoding the report is returned with
// ErrEncodingMismatch.
func CheckEncodingCompatibility(ctx context.Context, expected Encoding, c StateCommitment, signer Signer, verifier Verifier) (CompatibilityReport, error) {
	report := CompatibilityReport{Signer: signer.Address()}
	var expectedAccepted bool
	for _, enc := range []Encoding{EncodingWord, EncodingCompact} {
		digest, err := c.Digest(enc)
		if err != nil {
			return report, fmt.Errorf("checking %s encoding: %w", enc, err)
		}
		sig, err := Sign(ctx, signer, digest)
		if err != nil {
			return report, fmt.Errorf("checking %s encoding: %w", enc, err)
		}
		ok, err := Verify(ctx, verifier, signer.Address(), digest, sig)
		if err != nil {
			return report, fmt.Errorf("checking %s encoding: %w", enc, err)
		}
		report.Results = append(report.Results, EncodingResult{
			Encoding:  enc,
			Digest:    digest,
			Signature: sig,
			Accepted:  ok,
		})
		if enc == expected {
			expectedAccepted = ok
		}
	}
	if !expectedAccepted {
		return report, fmt.Errorf("%s: %w", expected, ErrEncodingMismatch)
	}
	return report, nil
}
