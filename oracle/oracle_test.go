package oracle_test

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brics-protocol/nav-oracle/oracle"
	"github.com/brics-protocol/nav-oracle/oracle/navsigner"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	intruder  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	modelHash = common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	t       *testing.T
	clock   *fakeClock
	signers []*navsigner.Signer
	oracle  *oracle.Oracle
}

// newFixture seeds the oracle with NAV 1e27 committed ten minutes before the
// fake clock's now.
func newFixture(t *testing.T, nSigners, quorum int) *fixture {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	signers := make([]*navsigner.Signer, nSigners)
	addrs := make([]common.Address, nSigners)
	for i := range signers {
		s, err := navsigner.Random()
		require.NoError(t, err)
		signers[i] = s
		addrs[i] = s.Address()
	}
	o, err := oracle.NewOracle(logger.Test(t), oracle.Config{
		Admin:             admin,
		Signers:           addrs,
		Quorum:            quorum,
		ModelHash:         modelHash,
		SeedNavRay:        new(big.Int).Set(oracle.Ray),
		SeedTimestamp:     uint64(clock.Now().Unix()) - 600,
		MaxAttestationAge: time.Hour,
		DegradeAfter:      24 * time.Hour,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	return &fixture{t: t, clock: clock, signers: signers, oracle: o}
}

// sign produces attestation signatures from the given signer indexes, against
// the oracle's current model hash.
func (f *fixture) sign(navRay *big.Int, asOf uint64, idxs ...int) [][]byte {
	sigs := make([][]byte, 0, len(idxs))
	for _, i := range idxs {
		sig, err := f.signers[i].Sign(f.oracle.ModelHash(), navRay, asOf)
		require.NoError(f.t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func nav(s string) *big.Int {
	return oracle.DecimalToRay(decimal.RequireFromString(s))
}

func TestNewOracle_ConfigValidation(t *testing.T) {
	lggr := logger.Test(t)
	s, err := navsigner.Random()
	require.NoError(t, err)
	valid := oracle.Config{
		Admin:         admin,
		Signers:       []common.Address{s.Address()},
		Quorum:        1,
		ModelHash:     modelHash,
		SeedNavRay:    new(big.Int).Set(oracle.Ray),
		SeedTimestamp: 1700000000,
	}

	t.Run("accepts a valid config", func(t *testing.T) {
		_, err := oracle.NewOracle(lggr, valid)
		require.NoError(t, err)
	})
	t.Run("rejects zero admin", func(t *testing.T) {
		cfg := valid
		cfg.Admin = common.Address{}
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("rejects empty signer set", func(t *testing.T) {
		cfg := valid
		cfg.Signers = nil
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("rejects duplicate signers", func(t *testing.T) {
		cfg := valid
		cfg.Signers = []common.Address{s.Address(), s.Address()}
		cfg.Quorum = 2
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("rejects quorum outside bounds", func(t *testing.T) {
		cfg := valid
		cfg.Quorum = 0
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)

		cfg.Quorum = 2
		_, err = oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("rejects zero model hash", func(t *testing.T) {
		cfg := valid
		cfg.ModelHash = common.Hash{}
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("rejects nil seed NAV", func(t *testing.T) {
		cfg := valid
		cfg.SeedNavRay = nil
		_, err := oracle.NewOracle(lggr, cfg)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
}

func TestSubmitNAV_HappyPath(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)
	value := nav("1.05")
	asOf := uint64(f.clock.Now().Unix())

	err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1))
	require.NoError(t, err)

	snap := f.oracle.LatestNAV()
	assert.Equal(t, value, snap.NavRay)
	assert.Equal(t, asOf, snap.Timestamp)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.False(t, snap.Emergency)
	assert.False(t, snap.Degraded)
}

func TestSubmitNAV_Replay(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)
	value := nav("1.05")
	asOf := uint64(f.clock.Now().Unix())
	sigs := f.sign(value, asOf, 0, 1)

	require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, sigs))

	// The identical submission is not strictly newer than itself.
	err := f.oracle.SubmitNAV(ctx, value, asOf, sigs)
	assert.ErrorIs(t, err, oracle.ErrStaleOrReplay)
	assert.Equal(t, uint64(1), f.oracle.LatestNAV().Sequence)
}

func TestSubmitNAV_Freshness(t *testing.T) {
	ctx := tests.Context(t)

	t.Run("rejects future-dated timestamps", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix()) + 30
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1))
		assert.ErrorIs(t, err, oracle.ErrStaleOrReplay)
	})
	t.Run("rejects timestamps beyond the staleness window", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix()) - 30
		sigs := f.sign(value, asOf, 0, 1)
		f.clock.Advance(2 * time.Hour)
		err := f.oracle.SubmitNAV(ctx, value, asOf, sigs)
		assert.ErrorIs(t, err, oracle.ErrStaleOrReplay)
	})
	t.Run("rejects timestamps equal to the committed one", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1)))

		other := nav("1.06")
		err := f.oracle.SubmitNAV(ctx, other, asOf, f.sign(other, asOf, 0, 1))
		assert.ErrorIs(t, err, oracle.ErrStaleOrReplay)
	})
}

func TestSubmitNAV_Quorum(t *testing.T) {
	ctx := tests.Context(t)

	t.Run("fails below quorum", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0))
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)
		assert.Equal(t, uint64(0), f.oracle.LatestNAV().Sequence)
	})
	t.Run("garbage signatures are discarded, not fatal", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		sigs := f.sign(value, asOf, 0, 1)
		sigs = append(sigs, []byte("not a signature"), make([]byte, 65))
		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, sigs))
	})
	t.Run("signatures from outsiders do not count", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		outsider, err := navsigner.Random()
		require.NoError(t, err)
		outsiderSig, err := outsider.Sign(modelHash, value, asOf)
		require.NoError(t, err)
		sigs := append(f.sign(value, asOf, 0), outsiderSig)
		err = f.oracle.SubmitNAV(ctx, value, asOf, sigs)
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)
	})
	t.Run("same signer twice fails the whole submission", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1, 0))
		assert.ErrorIs(t, err, oracle.ErrDuplicateSignature)
		assert.Equal(t, uint64(0), f.oracle.LatestNAV().Sequence)
	})
	t.Run("signature over a different value does not count", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		sigs := f.sign(value, asOf, 0)
		sigs = append(sigs, f.sign(nav("9.99"), asOf, 1)...)
		err := f.oracle.SubmitNAV(ctx, value, asOf, sigs)
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)
	})
	t.Run("rejects nil value", func(t *testing.T) {
		f := newFixture(t, 3, 2)
		err := f.oracle.SubmitNAV(ctx, nil, uint64(f.clock.Now().Unix()), nil)
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
}

func TestRotateSigners(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)

	a, err := navsigner.Random()
	require.NoError(t, err)
	b, err := navsigner.Random()
	require.NoError(t, err)

	t.Run("non-admin cannot rotate", func(t *testing.T) {
		err := f.oracle.RotateSigners(intruder, []common.Address{a.Address(), b.Address()})
		assert.ErrorIs(t, err, oracle.ErrUnauthorized)
	})
	t.Run("rejects sets smaller than quorum", func(t *testing.T) {
		err := f.oracle.RotateSigners(admin, []common.Address{a.Address()})
		assert.ErrorIs(t, err, oracle.ErrBadParam)
	})
	t.Run("old signers lose standing immediately", func(t *testing.T) {
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		sigs := f.sign(value, asOf, 0, 1)

		_, versionBefore := f.oracle.Signers()
		require.NoError(t, f.oracle.RotateSigners(admin, []common.Address{a.Address(), b.Address()}))
		signers, version := f.oracle.Signers()
		assert.Len(t, signers, 2)
		assert.Equal(t, versionBefore+1, version)

		err := f.oracle.SubmitNAV(ctx, value, asOf, sigs)
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)

		// The replacement set works straight away.
		sigA, err := a.Sign(modelHash, value, asOf)
		require.NoError(t, err)
		sigB, err := b.Sign(modelHash, value, asOf)
		require.NoError(t, err)
		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, [][]byte{sigA, sigB}))
	})
}

func TestUpdateQuorum(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)

	t.Run("non-admin cannot update", func(t *testing.T) {
		assert.ErrorIs(t, f.oracle.UpdateQuorum(intruder, 3), oracle.ErrUnauthorized)
	})
	t.Run("rejects out-of-range thresholds", func(t *testing.T) {
		assert.ErrorIs(t, f.oracle.UpdateQuorum(admin, 0), oracle.ErrBadParam)
		assert.ErrorIs(t, f.oracle.UpdateQuorum(admin, 4), oracle.ErrBadParam)
	})
	t.Run("raising quorum invalidates previously sufficient submissions", func(t *testing.T) {
		require.NoError(t, f.oracle.UpdateQuorum(admin, 3))
		assert.Equal(t, 3, f.oracle.Quorum())

		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1))
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)

		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1, 2)))
	})
}

func TestRollModelHash(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)
	newHash := common.HexToHash("0xfeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface")

	t.Run("non-admin cannot roll", func(t *testing.T) {
		assert.ErrorIs(t, f.oracle.RollModelHash(intruder, newHash), oracle.ErrUnauthorized)
	})
	t.Run("rejects the zero hash", func(t *testing.T) {
		assert.ErrorIs(t, f.oracle.RollModelHash(admin, common.Hash{}), oracle.ErrBadParam)
	})
	t.Run("invalidates signatures under the old hash", func(t *testing.T) {
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		oldSigs := f.sign(value, asOf, 0, 1)

		require.NoError(t, f.oracle.RollModelHash(admin, newHash))
		assert.Equal(t, newHash, f.oracle.ModelHash())

		err := f.oracle.SubmitNAV(ctx, value, asOf, oldSigs)
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)

		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1)))
	})
}

func TestEmergencyLifecycle(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)
	override := nav("0.95")

	t.Run("non-admin cannot enable or disable", func(t *testing.T) {
		assert.ErrorIs(t, f.oracle.EnableEmergency(intruder, override), oracle.ErrUnauthorized)
		assert.ErrorIs(t, f.oracle.DisableEmergency(intruder), oracle.ErrUnauthorized)
	})

	t.Run("enable serves the override with audit fields", func(t *testing.T) {
		require.NoError(t, f.oracle.EnableEmergency(admin, override))
		snap := f.oracle.LatestNAV()
		assert.True(t, snap.Emergency)
		assert.Equal(t, override, snap.NavRay)
		assert.Equal(t, admin, snap.EmergencyAuthority)
		assert.Equal(t, uint64(f.clock.Now().Unix()), snap.EmergencyEnabledAt)
	})

	t.Run("accepted submission clears the override", func(t *testing.T) {
		value := nav("1.05")
		asOf := uint64(f.clock.Now().Unix())
		require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1)))
		snap := f.oracle.LatestNAV()
		assert.False(t, snap.Emergency)
		assert.Equal(t, value, snap.NavRay)
	})

	t.Run("rejected submission does not clear the override", func(t *testing.T) {
		require.NoError(t, f.oracle.EnableEmergency(admin, override))
		value := nav("1.06")
		asOf := uint64(f.clock.Now().Unix())
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0))
		assert.ErrorIs(t, err, oracle.ErrQuorumNotMet)
		assert.True(t, f.oracle.LatestNAV().Emergency)
	})

	t.Run("disable falls back to the committed record", func(t *testing.T) {
		require.NoError(t, f.oracle.DisableEmergency(admin))
		snap := f.oracle.LatestNAV()
		assert.False(t, snap.Emergency)
		assert.Equal(t, nav("1.05"), snap.NavRay)
		assert.NotZero(t, snap.NavRay.Sign())
	})
}

func TestAutoDegrade(t *testing.T) {
	f := newFixture(t, 3, 2)

	t.Run("not degraded within the window", func(t *testing.T) {
		assert.False(t, f.oracle.LatestNAV().Degraded)
	})

	t.Run("degraded once the record outlives the window", func(t *testing.T) {
		f.clock.Advance(25 * time.Hour)
		snap := f.oracle.LatestNAV()
		assert.True(t, snap.Degraded)
		// Still serving the last known value, just annotated.
		assert.Equal(t, oracle.Ray, snap.NavRay)
	})

	t.Run("explicit emergency takes precedence over the annotation", func(t *testing.T) {
		require.NoError(t, f.oracle.EnableEmergency(admin, nav("0.95")))
		snap := f.oracle.LatestNAV()
		assert.True(t, snap.Emergency)
		assert.False(t, snap.Degraded)
		require.NoError(t, f.oracle.DisableEmergency(admin))
		assert.True(t, f.oracle.LatestNAV().Degraded)
	})

	t.Run("annotation is never persisted", func(t *testing.T) {
		// Repeated reads are pure; the snapshot is identical every time.
		first := f.oracle.LatestNAV()
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, f.oracle.LatestNAV())
		}
		// Mutating a returned value must not leak into oracle state.
		first.NavRay.SetInt64(42)
		assert.Equal(t, oracle.Ray, f.oracle.LatestNAV().NavRay)
	})
}

func TestSubscribe(t *testing.T) {
	ctx := tests.Context(t)
	f := newFixture(t, 3, 2)

	ch, unsub := f.oracle.Subscribe(4)
	defer unsub()

	value := nav("1.05")
	asOf := uint64(f.clock.Now().Unix())
	require.NoError(t, f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1)))

	select {
	case u := <-ch:
		assert.Equal(t, value, u.NavRay)
		assert.Equal(t, asOf, u.Timestamp)
		assert.Equal(t, uint64(1), u.Sequence)
	default:
		t.Fatal("expected a buffered update after commit")
	}

	t.Run("no update on rejection", func(t *testing.T) {
		err := f.oracle.SubmitNAV(ctx, value, asOf, f.sign(value, asOf, 0, 1))
		require.ErrorIs(t, err, oracle.ErrStaleOrReplay)
		select {
		case u := <-ch:
			t.Fatalf("unexpected update %+v", u)
		default:
		}
	})

	t.Run("unsubscribe closes the channel", func(t *testing.T) {
		ch2, unsub2 := f.oracle.Subscribe(1)
		unsub2()
		_, ok := <-ch2
		assert.False(t, ok)
	})
}
