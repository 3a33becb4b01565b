// Package oracle implements the NAV consensus oracle: quorum-of-signatures
// acceptance of attested collateral values, with replay protection, an
// explicit emergency override and an implicit read-time degradation
// annotation.
//
// NAV values are carried in ray units (1.0 = 10^27) as *big.Int, mirroring
// the uint256 representation used on-chain.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/maps"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

const (
	// DefaultMaxAttestationAge is the staleness window applied to submitted
	// timestamps when Config.MaxAttestationAge is zero.
	DefaultMaxAttestationAge = 1 * time.Hour
	// DefaultDegradeAfter is the silence threshold after which reads are
	// annotated degraded, when Config.DegradeAfter is zero.
	DefaultDegradeAfter = 24 * time.Hour
)

type Config struct {
	// Admin is the sole authority for signer rotation, quorum changes, model
	// hash rolls and the emergency override.
	Admin common.Address
	// Signers is the initial authorized signer set.
	Signers []common.Address
	// Quorum is the number of distinct valid signer attestations required to
	// accept a value. Must satisfy 1 <= Quorum <= len(Signers).
	Quorum int
	// ModelHash binds attestations to a specific off-chain signing scheme.
	ModelHash common.Hash
	// SeedNavRay and SeedTimestamp form the initial committed record.
	SeedNavRay    *big.Int
	SeedTimestamp uint64

	MaxAttestationAge time.Duration
	DegradeAfter      time.Duration

	// Now is the clock; defaults to time.Now. Injected for tests.
	Now func() time.Time
}

func (c Config) validate() error {
	if c.Admin == (common.Address{}) {
		return fmt.Errorf("%w: admin must be set", ErrBadParam)
	}
	if len(c.Signers) == 0 {
		return fmt.Errorf("%w: at least one signer is required", ErrBadParam)
	}
	if err := validateSignerSet(c.Signers); err != nil {
		return err
	}
	if c.Quorum < 1 || c.Quorum > len(c.Signers) {
		return fmt.Errorf("%w: quorum %d outside [1, %d]", ErrBadParam, c.Quorum, len(c.Signers))
	}
	if c.ModelHash == (common.Hash{}) {
		return fmt.Errorf("%w: model hash must be set", ErrBadParam)
	}
	if c.SeedNavRay == nil || c.SeedNavRay.Sign() < 0 {
		return fmt.Errorf("%w: seed NAV must be a non-negative integer", ErrBadParam)
	}
	return nil
}

func validateSignerSet(signers []common.Address) error {
	seen := make(map[common.Address]struct{}, len(signers))
	for _, addr := range signers {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: zero address in signer set", ErrBadParam)
		}
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("%w: duplicate signer %s", ErrBadParam, addr)
		}
		seen[addr] = struct{}{}
	}
	return nil
}

// Oracle owns all mutable consensus state. One write lock serializes every
// mutating entry point; reads take the read lock only and never write.
type Oracle struct {
	lggr logger.Logger

	mu               sync.RWMutex
	admin            common.Address
	signers          map[common.Address]struct{}
	signerSetVersion uint64
	quorum           int
	modelHash        common.Hash
	record           navRecord
	emergency        emergencyState

	freshness    freshnessGuard
	degradeAfter time.Duration
	now          func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

func NewOracle(lggr logger.Logger, cfg Config) (*Oracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxAttestationAge == 0 {
		cfg.MaxAttestationAge = DefaultMaxAttestationAge
	}
	if cfg.DegradeAfter == 0 {
		cfg.DegradeAfter = DefaultDegradeAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	signers := make(map[common.Address]struct{}, len(cfg.Signers))
	for _, addr := range cfg.Signers {
		signers[addr] = struct{}{}
	}
	o := &Oracle{
		lggr:      logger.Sugared(lggr).Named("NAVOracle"),
		admin:     cfg.Admin,
		signers:   signers,
		quorum:    cfg.Quorum,
		modelHash: cfg.ModelHash,
		record: navRecord{
			navRay:    new(big.Int).Set(cfg.SeedNavRay),
			timestamp: cfg.SeedTimestamp,
			sequence:  0,
		},
		freshness:    freshnessGuard{maxAge: cfg.MaxAttestationAge},
		degradeAfter: cfg.DegradeAfter,
		now:          cfg.Now,
		subs:         make(map[int]chan Update),
	}
	return o, nil
}

// SubmitNAV accepts a proposed value if at least quorum distinct authorized
// signers produced valid signatures over it and its timestamp passes the
// freshness guard. On acceptance the committed record is replaced wholesale,
// any explicit emergency is cleared and subscribers are notified. Every
// failure path leaves all state untouched.
//
// Submission is open to anyone; the signatures carry the authority.
func (o *Oracle) SubmitNAV(ctx context.Context, navRay *big.Int, asOf uint64, signatures [][]byte) error {
	if navRay == nil || navRay.Sign() < 0 || navRay.BitLen() > 256 {
		promSubmitCount.WithLabelValues("rejected", "bad_param").Inc()
		return fmt.Errorf("%w: navRay must be a non-negative uint256", ErrBadParam)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.acceptLocked(navRay, asOf, signatures)
	if err != nil {
		promSubmitCount.WithLabelValues("rejected", rejectReason(err)).Inc()
		o.lggr.Warnw("Rejected NAV submission", "navRay", navRay, "asOf", asOf, "nSigs", len(signatures), "err", err)
		return err
	}

	promSubmitCount.WithLabelValues("accepted", "").Inc()
	promNavRay.Set(rayToFloat(o.record.navRay))
	promNavSequence.Set(float64(o.record.sequence))
	promEmergencyEnabled.Set(0)
	o.lggr.Infow("Committed NAV", "navRay", o.record.navRay, "asOf", o.record.timestamp, "sequence", o.record.sequence)

	o.notify(Update{
		NavRay:    new(big.Int).Set(o.record.navRay),
		Timestamp: o.record.timestamp,
		Sequence:  o.record.sequence,
	})
	return nil
}

// acceptLocked runs every check before any state is written.
func (o *Oracle) acceptLocked(navRay *big.Int, asOf uint64, signatures [][]byte) error {
	digest, err := AttestationDigest(o.modelHash, navRay, asOf)
	if err != nil {
		return err
	}

	// Signatures that fail to verify, or recover to a non-member, simply do
	// not count; they never abort the submission on their own. A member
	// counted twice does.
	counted := make(map[common.Address]struct{}, len(signatures))
	for _, sig := range signatures {
		signer, err := RecoverSigner(digest, sig)
		if err != nil {
			continue
		}
		if _, ok := o.signers[signer]; !ok {
			continue
		}
		if _, ok := counted[signer]; ok {
			return fmt.Errorf("%w: signer %s counted twice", ErrDuplicateSignature, signer)
		}
		counted[signer] = struct{}{}
	}
	if len(counted) < o.quorum {
		return fmt.Errorf("%w: %d distinct valid signers, need %d", ErrQuorumNotMet, len(counted), o.quorum)
	}

	if err := o.freshness.check(o.now(), asOf, o.record.timestamp); err != nil {
		return err
	}

	// Commit. Record replacement and emergency clear are a single atomic
	// step under the write lock.
	o.record = navRecord{
		navRay:    new(big.Int).Set(navRay),
		timestamp: asOf,
		sequence:  o.record.sequence + 1,
	}
	o.emergency = emergencyState{}
	return nil
}

// LatestNAV returns the current published view. It is side-effect-free: the
// degradation annotation is recomputed on every call and never stored, so
// reads take only the read lock.
//
// Precedence: an explicit emergency always wins over the implicit staleness
// annotation; the latter is only consulted while no emergency is set.
func (o *Oracle) LatestNAV() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Sequence:  o.record.sequence,
		ModelHash: o.modelHash,
	}
	if o.emergency.enabled {
		snap.NavRay = new(big.Int).Set(o.emergency.navRay)
		snap.Timestamp = o.emergency.enabledAt
		snap.Emergency = true
		snap.EmergencyAuthority = o.emergency.authority
		snap.EmergencyEnabledAt = o.emergency.enabledAt
		return snap
	}
	snap.NavRay = new(big.Int).Set(o.record.navRay)
	snap.Timestamp = o.record.timestamp
	nowSec := uint64(o.now().Unix())
	if nowSec > o.record.timestamp && time.Duration(nowSec-o.record.timestamp)*time.Second > o.degradeAfter {
		snap.Degraded = true
	}
	return snap
}

// Signers returns the current authorized signer set, in no particular order,
// along with the set version (bumped on every rotation).
func (o *Oracle) Signers() ([]common.Address, uint64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Keys(o.signers), o.signerSetVersion
}

func (o *Oracle) Quorum() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quorum
}

func (o *Oracle) ModelHash() common.Hash {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.modelHash
}

// RotateSigners atomically replaces the whole signer set. Signatures produced
// by removed members are worthless immediately; there is no grace period.
// Fails with ErrBadParam if the new set is empty, malformed, or smaller than
// the current quorum (which would make the quorum unsatisfiable).
func (o *Oracle) RotateSigners(caller common.Address, newSigners []common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireAdminLocked(caller); err != nil {
		return err
	}
	if len(newSigners) == 0 {
		return fmt.Errorf("%w: signer set must not be empty", ErrBadParam)
	}
	if err := validateSignerSet(newSigners); err != nil {
		return err
	}
	if len(newSigners) < o.quorum {
		return fmt.Errorf("%w: new signer set size %d below quorum %d", ErrBadParam, len(newSigners), o.quorum)
	}
	signers := make(map[common.Address]struct{}, len(newSigners))
	for _, addr := range newSigners {
		signers[addr] = struct{}{}
	}
	o.signers = signers
	o.signerSetVersion++
	o.lggr.Infow("Rotated signer set", "size", len(signers), "version", o.signerSetVersion)
	return nil
}

// UpdateQuorum sets the acceptance threshold. Fails with ErrBadParam unless
// 1 <= n <= current signer set size.
func (o *Oracle) UpdateQuorum(caller common.Address, n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireAdminLocked(caller); err != nil {
		return err
	}
	if n < 1 || n > len(o.signers) {
		return fmt.Errorf("%w: quorum %d outside [1, %d]", ErrBadParam, n, len(o.signers))
	}
	o.quorum = n
	o.lggr.Infow("Updated quorum", "quorum", n)
	return nil
}

// RollModelHash bumps the scheme version tag. Attestations signed under the
// previous hash are rejected from this point on, which blocks cross-version
// replay when the off-chain signing scheme changes.
func (o *Oracle) RollModelHash(caller common.Address, newHash common.Hash) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireAdminLocked(caller); err != nil {
		return err
	}
	if newHash == (common.Hash{}) {
		return fmt.Errorf("%w: model hash must not be zero", ErrBadParam)
	}
	o.modelHash = newHash
	o.lggr.Infow("Rolled model hash", "modelHash", newHash)
	return nil
}

// EnableEmergency sets the explicit override. It is the designated fallback
// for prolonged quorum failure and is fully auditable: authority, value and
// enable time are all recorded and surfaced on reads.
func (o *Oracle) EnableEmergency(caller common.Address, navRay *big.Int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireAdminLocked(caller); err != nil {
		return err
	}
	if navRay == nil || navRay.Sign() < 0 {
		return fmt.Errorf("%w: emergency NAV must be a non-negative integer", ErrBadParam)
	}
	o.emergency = emergencyState{
		enabled:   true,
		navRay:    new(big.Int).Set(navRay),
		authority: caller,
		enabledAt: uint64(o.now().Unix()),
	}
	promEmergencyEnabled.Set(1)
	o.lggr.Warnw("Emergency override enabled", "navRay", navRay, "authority", caller)
	return nil
}

// DisableEmergency clears the override. Reads fall back to the last committed
// record, not to the override value.
func (o *Oracle) DisableEmergency(caller common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireAdminLocked(caller); err != nil {
		return err
	}
	o.emergency = emergencyState{}
	promEmergencyEnabled.Set(0)
	o.lggr.Infow("Emergency override disabled", "authority", caller)
	return nil
}

func (o *Oracle) requireAdminLocked(caller common.Address) error {
	if caller != o.admin {
		return fmt.Errorf("%w: caller %s is not the admin", ErrUnauthorized, caller)
	}
	return nil
}

// Subscribe registers a buffered channel for commit notifications and returns
// it with an unsubscribe func. Updates are dropped (with a warning) rather
// than block a slow subscriber.
func (o *Oracle) Subscribe(buffer int) (<-chan Update, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan Update, buffer)
	o.subs[id] = ch
	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Oracle) notify(u Update) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- u:
		default:
			o.lggr.Warnw("Dropped NAV update for slow subscriber", "subscriber", id, "sequence", u.Sequence)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateSignature):
		return "duplicate_signature"
	case errors.Is(err, ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, ErrStaleOrReplay):
		return "stale_or_replay"
	case errors.Is(err, ErrBadParam):
		return "bad_param"
	default:
		return "other"
	}
}
