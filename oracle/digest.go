package oracle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the expected encoding: 65 bytes of R || S || V, with V
// in {0, 1} or the legacy {27, 28}.
const SignatureLength = 65

var attestationArgs = abi.Arguments{
	{Name: "modelHash", Type: mustNewType("bytes32")},
	{Name: "navRay", Type: mustNewType("uint256")},
	{Name: "asOf", Type: mustNewType("uint64")},
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create ABI type %s: %s", t, err))
	}
	return typ
}

// AttestationDigest computes the digest signers attest to:
// keccak256(abi.encode(modelHash, navRay, asOf)).
//
// The model hash is part of the signed message, so rolling it invalidates
// every signature produced under the previous hash. The digest is signed raw,
// without an EIP-191 prefix.
func AttestationDigest(modelHash common.Hash, navRay *big.Int, asOf uint64) (common.Hash, error) {
	if navRay == nil || navRay.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: navRay must be a non-negative integer", ErrBadParam)
	}
	encoded, err := attestationArgs.Pack(modelHash, navRay, asOf)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode attestation: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// RecoverSigner recovers the attesting address from a 65-byte R || S || V
// signature over digest. It is pure and holds no state.
//
// Malformed encodings (wrong length, bad recovery id, unrecoverable point)
// fail with ErrInvalidSignature. Whether the recovered address is an
// authorized signer is the registry's concern, not this function's.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d, expected %d", ErrInvalidSignature, len(signature), SignatureLength)
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	// Normalize legacy V values; Ecrecover expects 0 or 1.
	if sig[64] == 27 || sig[64] == 28 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, signature[64])
	}
	pubkey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}
