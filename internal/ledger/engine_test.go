package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/collateral"
	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	dave  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

const startingBalance = "1000000"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	t     require.TestingT
	eng   *Engine
	token *collateral.Token
	clock *fakeClock
}

func newHarness(t require.TestingT, opts ...func(*Config)) *harness {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	token := collateral.NewToken("USDX")
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	eng, err := New(cfg, token, WithClock(clock))
	require.NoError(t, err)
	eng.Authorizer().Grant(admin, AllCapabilities()...)

	h := &harness{t: t, eng: eng, token: token, clock: clock}
	for _, a := range []common.Address{admin, alice, bob, carol, dave} {
		h.fund(a, startingBalance)
	}
	return h
}

func (h *harness) fund(a common.Address, amount string) {
	require.NoError(h.t, h.token.Mint(a, wad(amount)))
	h.token.Approve(a, h.eng.Account(), new(uint256.Int).SetAllOne())
}

func (h *harness) balance(a common.Address) *uint256.Int { return h.token.BalanceOf(a) }

// spent returns how much collateral a has paid out net since funding.
func (h *harness) spent(a common.Address) *uint256.Int {
	return new(uint256.Int).Sub(wad(startingBalance), h.balance(a))
}

func (h *harness) audit() {
	require.NoError(h.t, h.eng.Audit())
}

func (h *harness) market(alg pricing.Algorithm, param, seed string, labels ...string) domain.Market {
	if len(labels) == 0 {
		labels = []string{"yes", "no"}
	}
	m, err := h.eng.CreateMarket(carol, domain.MarketSpec{
		Labels:    labels,
		Algorithm: alg,
		Param:     *wad(param),
		Seed:      *wad(seed),
		Duration:  time.Hour,
	})
	require.NoError(h.t, err)
	return m
}

func wad(s string) *uint256.Int { return fp.MustParse(s) }

func subAmount(x, y *uint256.Int) *uint256.Int { return new(uint256.Int).Sub(x, y) }

func requireAmount(t require.TestingT, want string, got *uint256.Int) {
	require.Truef(t, wad(want).Eq(got), "want %s, got %s", want, fp.Format(got))
}

func linearCurve(base, slope string) curve.Config {
	return curve.Config{Kind: curve.Linear, BasePrice: *wad(base), Slope: *wad(slope)}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"no account":       func(c *Config) { c.Account = common.Address{} },
		"fee too high":     func(c *Config) { c.FeeBps = 10_000 },
		"one outcome":      func(c *Config) { c.MaxOutcomes = 1 },
		"zero epsilon":     func(c *Config) { c.Epsilon = uint256.Int{} },
		"epsilon too wide": func(c *Config) { c.Epsilon = *wad("0.5") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(cfg, collateral.NewToken("USDX"))
			require.Error(t, err)
		})
	}
}

func TestEventsAreSequencedAndDeterministic(t *testing.T) {
	run := func() *harness {
		h := newHarness(t)
		_, err := h.eng.Register(alice, "alice", linearCurve("1", "0.1"))
		require.NoError(t, err)
		_, err = h.eng.Buy(bob, "alice", 3, wad("100"))
		require.NoError(t, err)
		h.market(pricing.CPMM, "0", "100")
		return h
	}
	a, b := run(), run()

	events := a.eng.Events(0)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	require.Equal(t, domain.EventInstrumentRegistered, events[0].Kind)
	require.Equal(t, domain.EventInstrumentTraded, events[1].Kind)
	require.Equal(t, domain.EventMarketCreated, events[2].Kind)
	require.Equal(t, events, b.eng.Events(0))

	require.Len(t, a.eng.Events(2), 1)
	require.Empty(t, a.eng.Events(3))

	a.eng.TrimEvents(2)
	require.Len(t, a.eng.Events(0), 1)
	require.Equal(t, uint64(3), a.eng.LastSeq())
	require.Equal(t, uint64(3), a.eng.Events(0)[0].Seq)
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Register(alice, "alice", linearCurve("1", "0.1"))
	require.NoError(t, err)
	_, err = h.eng.Buy(bob, "alice", 5, wad("100"))
	require.NoError(t, err)
	m := h.market(pricing.LMSR, "100", "100")

	before, err := h.eng.Snapshot()
	require.NoError(t, err)
	seq := h.eng.LastSeq()

	failures := []error{}
	_, err = h.eng.Sell(bob, "alice", 6, wad("0"))
	failures = append(failures, err)
	_, err = h.eng.Buy(bob, "alice", 5, wad("1"))
	failures = append(failures, err)
	_, err = h.eng.SellOutcome(alice, m.ID, 0, wad("1"), wad("0"))
	failures = append(failures, err)
	_, err = h.eng.PlaceSell(alice, m.ID, 0, wad("1"), wad("0.5"))
	failures = append(failures, err)
	_, err = h.eng.Claim(alice, m.ID)
	failures = append(failures, err)
	for i, err := range failures {
		require.Errorf(t, err, "operation %d", i)
	}

	after, err := h.eng.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
	require.Equal(t, seq, h.eng.LastSeq())
	h.audit()
}

// reentrantAsset calls back into the engine while a pull is executing.
type reentrantAsset struct {
	*collateral.Token
	eng *Engine
	err error
}

func (r *reentrantAsset) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if r.eng != nil && r.err == nil {
		_, r.err = r.eng.Buy(from, "alice", 1, wad("100"))
	}
	return r.Token.TransferFrom(spender, from, to, amount)
}

func TestReentrantCallIsRejected(t *testing.T) {
	asset := &reentrantAsset{Token: collateral.NewToken("USDX")}
	eng, err := New(DefaultConfig(), asset)
	require.NoError(t, err)
	require.NoError(t, asset.Mint(bob, wad("1000")))
	asset.Approve(bob, eng.Account(), wad("1000"))

	_, err = eng.Register(alice, "alice", linearCurve("1", "0.1"))
	require.NoError(t, err)

	asset.eng = eng
	_, err = eng.Buy(bob, "alice", 2, wad("100"))
	require.NoError(t, err)
	require.ErrorIs(t, asset.err, domain.ErrStateConflict)

	bal, err := eng.Balance("alice", bob)
	require.NoError(t, err)
	require.Equal(t, uint64(2), bal)
	require.NoError(t, eng.Audit())
}

// faultyAsset fails pulls from one account and, when payoutsDown is set,
// every outgoing transfer.
type faultyAsset struct {
	*collateral.Token
	failPullFrom common.Address
	payoutsDown  bool
}

func (f *faultyAsset) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if from == f.failPullFrom {
		return errors.New("account frozen")
	}
	return f.Token.TransferFrom(spender, from, to, amount)
}

func (f *faultyAsset) Transfer(from, to common.Address, amount *uint256.Int) error {
	if f.payoutsDown {
		return errors.New("payout rail down")
	}
	return f.Token.Transfer(from, to, amount)
}

func newFaultyEngine(t *testing.T) (*Engine, *faultyAsset) {
	t.Helper()
	asset := &faultyAsset{Token: collateral.NewToken("USDX")}
	eng, err := New(DefaultConfig(), asset)
	require.NoError(t, err)
	for _, a := range []common.Address{alice, bob} {
		require.NoError(t, asset.Mint(a, wad("1000")))
		asset.Approve(a, eng.Account(), wad("1000"))
	}
	return eng, asset
}

func TestCollectRefundsEarlierPulls(t *testing.T) {
	eng, asset := newFaultyEngine(t)
	asset.failPullFrom = bob

	tx := eng.begin("test", alice)
	require.NoError(t, tx.pull(alice, wad("10")))
	require.NoError(t, tx.pull(bob, wad("5")))
	err := tx.collect()
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	requireAmount(t, "1000", asset.BalanceOf(alice))
	require.True(t, asset.BalanceOf(eng.Account()).IsZero())
}

func TestCollectReportsFailedRefunds(t *testing.T) {
	eng, asset := newFaultyEngine(t)
	asset.failPullFrom = bob
	asset.payoutsDown = true

	tx := eng.begin("test", alice)
	require.NoError(t, tx.pull(alice, wad("10")))
	require.NoError(t, tx.pull(bob, wad("5")))
	err := tx.collect()
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	require.NotErrorIs(t, err, domain.ErrInsufficientBalance)
	require.ErrorContains(t, err, "refund 10 to "+alice.Hex())
	require.ErrorContains(t, err, "payout rail down")
	requireAmount(t, "10", asset.BalanceOf(eng.Account()))
}

func TestPayoutFailureAfterCommitKeepsState(t *testing.T) {
	eng, asset := newFaultyEngine(t)
	_, err := eng.Register(alice, "alice", linearCurve("1", "0.1"))
	require.NoError(t, err)
	_, err = eng.Buy(bob, "alice", 4, wad("100"))
	require.NoError(t, err)
	before := eng.LastSeq()

	asset.payoutsDown = true
	_, err = eng.Sell(bob, "alice", 2, wad("0"))
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	require.ErrorContains(t, err, "payout after commit")

	// The sale committed: supply dropped and its event is retained.
	require.Greater(t, eng.LastSeq(), before)
	require.NotEmpty(t, eng.Events(before))
	bal, err := eng.Balance("alice", bob)
	require.NoError(t, err)
	require.Equal(t, uint64(2), bal)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Register(alice, "alice", linearCurve("1", "0.1"))
	require.NoError(t, err)
	_, err = h.eng.Buy(bob, "alice", 4, wad("100"))
	require.NoError(t, err)
	m := h.market(pricing.CPMM, "0", "100")
	_, err = h.eng.BuyOutcome(bob, m.ID, 0, wad("5"), wad("100"))
	require.NoError(t, err)
	_, err = h.eng.PlaceSell(bob, m.ID, 0, wad("2"), wad("0.7"))
	require.NoError(t, err)
	_, err = h.eng.PlaceBuy(alice, m.ID, 0, wad("3"), wad("0.2"))
	require.NoError(t, err)

	data, err := h.eng.Snapshot()
	require.NoError(t, err)

	token := collateral.NewToken("USDX")
	restored, err := New(DefaultConfig(), token, WithClock(h.clock))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))

	again, err := restored.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
	require.Equal(t, h.eng.LastSeq(), restored.LastSeq())
	require.NoError(t, restored.Audit())

	// Untrimmed events survive the round trip.
	want, got := h.eng.Events(0), restored.Events(0)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Seq, got[i].Seq)
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].Kind, got[i].Kind)
	}

	wantBook, err := h.eng.Book(m.ID, 0)
	require.NoError(t, err)
	gotBook, err := restored.Book(m.ID, 0)
	require.NoError(t, err)
	require.Equal(t, wantBook, gotBook)
	requireAmount(t, fp.Format(h.balance(bob)), token.BalanceOf(bob))

	// The restored engine keeps trading and numbering events.
	restored.Authorizer().Grant(admin, AllCapabilities()...)
	_, err = restored.PlaceBuy(alice, m.ID, 0, wad("2"), wad("0.7"))
	require.NoError(t, err)
	require.Equal(t, h.eng.LastSeq()+2, restored.LastSeq())
	require.NoError(t, restored.Audit())
}

func TestSnapshotCarriesOnlyUntrimmedEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Register(alice, "alice", linearCurve("1", "0.1"))
	require.NoError(t, err)
	_, err = h.eng.Buy(bob, "alice", 4, wad("100"))
	require.NoError(t, err)
	h.eng.TrimEvents(1)

	data, err := h.eng.Snapshot()
	require.NoError(t, err)
	restored, err := New(DefaultConfig(), collateral.NewToken("USDX"), WithClock(h.clock))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))

	got := restored.Events(0)
	require.NotEmpty(t, got)
	require.Equal(t, uint64(2), got[0].Seq)
	require.Equal(t, restored.LastSeq(), got[len(got)-1].Seq)
	require.Empty(t, restored.Events(restored.LastSeq()))

	h.eng.TrimEvents(h.eng.LastSeq())
	data, err = h.eng.Snapshot()
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))
	require.Empty(t, restored.Events(0))
}

func TestRestoreRejectsGappedPendingEvents(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Restore([]byte(`{"version":1,"seq":5,"pending":[{"seq":3},{"seq":5}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)

	err = h.eng.Restore([]byte(`{"version":1,"seq":5,"pending":[{"seq":3},{"seq":4}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Restore([]byte(`{"version":`))
	require.ErrorIs(t, err, domain.ErrValidation)

	err = h.eng.Restore([]byte(`{"version":99}`))
	require.ErrorIs(t, err, domain.ErrValidation)

	err = h.eng.Restore([]byte(`{"version":1,"instruments":[{"id":2,"handle":"x"}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{
		domain.ErrValidation, domain.ErrSlippageExceeded, domain.ErrInsufficientBalance,
		domain.ErrInsufficientCollateral, domain.ErrStateConflict, domain.ErrInvariantViolation,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			require.Equal(t, i == j, errors.Is(a, b))
		}
	}
}
