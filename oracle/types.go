package oracle

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Acceptance failures. All of them are synchronous and leave stored state
// untouched; callers are responsible for any resubmission.
var (
	// ErrInvalidSignature means the signature encoding itself is malformed
	// (wrong length or recovery id). A well-formed signature that recovers
	// to an unknown address is not an error, it simply matches no signer.
	ErrInvalidSignature = errors.New("invalid signature encoding")
	// ErrQuorumNotMet means fewer than quorum distinct authorized signers
	// produced valid signatures over the submitted attestation.
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrDuplicateSignature means one signer identity was counted twice
	// within a single submission.
	ErrDuplicateSignature = errors.New("duplicate signature")
	// ErrStaleOrReplay means the submitted timestamp is future-dated, older
	// than the staleness window, or does not advance past the last committed
	// timestamp.
	ErrStaleOrReplay = errors.New("stale or replayed attestation")
	// ErrUnauthorized means the caller lacks administrative standing.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadParam means a parameter is outside its allowed domain.
	ErrBadParam = errors.New("bad parameter")
)

// Snapshot is the read-path view of the oracle. It is a value copy; holding
// one never aliases oracle state.
type Snapshot struct {
	// NavRay is the published NAV in ray units (1.0 = 10^27). Under an
	// explicit emergency this is the override value, otherwise the last
	// committed value.
	NavRay    *big.Int
	Timestamp uint64
	Sequence  uint64
	ModelHash common.Hash

	// Emergency reports the explicit, admin-set override.
	Emergency bool
	// Degraded reports the implicit staleness annotation, computed fresh on
	// every read and never persisted. Only set while Emergency is false.
	Degraded bool

	// Audit fields, populated only while Emergency is true.
	EmergencyAuthority common.Address
	EmergencyEnabledAt uint64
}

// Update is emitted to subscribers after every committed submission.
type Update struct {
	NavRay    *big.Int
	Timestamp uint64
	Sequence  uint64
}

// navRecord is the committed value. Replaced wholesale on every accepted
// submission, never partially updated.
type navRecord struct {
	navRay    *big.Int
	timestamp uint64
	sequence  uint64
}

// emergencyState is sticky until cleared explicitly or by the next accepted
// submission.
type emergencyState struct {
	enabled   bool
	navRay    *big.Int
	authority common.Address
	enabledAt uint64
}
