// Package attestation signs chain head attestations and hands them to
// external anchoring collaborators.
package attestation

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/finaiguard/internal/report"
)

var (
	ErrInvalidKey       = errors.New("attestation: invalid signing key")
	ErrInvalidSignature = errors.New("attestation: invalid signature")
)

// Signer signs attestations with a secp256k1 key. The signature covers
// keccak256 of the attestation's signing payload, so any Ethereum tooling
// can recover the signer address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex private key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

// Address returns the checksummed signer address.
func (s *Signer) Address() string {
	return s.address
}

// Sign sets a.Signature and a.Signer.
func (s *Signer) Sign(a *report.Attestation) error {
	digest, err := digest(a)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	a.Signature = "0x" + hex.EncodeToString(sig)
	a.Signer = s.address
	return nil
}

// Recover returns the address that signed a. It does not compare the
// result with a.Signer; use Verify for that.
func Recover(a *report.Attestation) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(a.Signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest, err := digest(a)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify checks that a carries a valid signature by a.Signer.
func Verify(a *report.Attestation) error {
	if a.Signature == "" || a.Signer == "" {
		return fmt.Errorf("%w: attestation is unsigned", ErrInvalidSignature)
	}
	addr, err := Recover(a)
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr, a.Signer) {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidSignature, addr, a.Signer)
	}
	return nil
}

func digest(a *report.Attestation) ([]byte, error) {
	payload, err := a.SigningPayload()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(payload), nil
}

var _ report.Signer = (*Signer)(nil)
