// Package navsigner produces NAV attestation signatures from secp256k1 keys.
// It mirrors the off-chain pricing service's signer and is what tests and
// tooling use to exercise the oracle's submission path.
package navsigner

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brics-protocol/nav-oracle/oracle"
)

type Signer struct {
	key *ecdsa.PrivateKey
}

// New parses a hex-encoded private key (with or without 0x prefix).
func New(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func FromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Random generates a fresh key. Test use only.
func Random() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign attests to (navRay, asOf) under modelHash. The returned signature is
// 65 bytes R || S || V with V in {27, 28}, matching the on-chain convention.
func (s *Signer) Sign(modelHash common.Hash, navRay *big.Int, asOf uint64) ([]byte, error) {
	digest, err := oracle.AttestationDigest(modelHash, navRay, asOf)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
