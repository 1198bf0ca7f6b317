// Package ledger is the settlement engine for bonding-curve instruments,
// AMM-priced prediction markets and their resting-order books.
//
// An Engine is a deterministic state machine. Every mutating call runs to
// completion inside a transaction overlay: the operation stages its writes,
// the touched entities' invariants are verified, collateral is pulled, the
// overlay is committed and only then are payouts pushed. A failed call
// leaves no trace. The Engine is not safe for concurrent use; callers
// serialise access (see internal/service).
package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/orderbook"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// Clock supplies the time used for market expiry and event stamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Config holds the engine's economic parameters.
type Config struct {
	// Account is the engine's custody account at the collateral asset.
	Account common.Address
	// FeeBps is charged on instrument trades into the instrument fee bucket.
	FeeBps           uint32
	MaxCreatorFeeBps uint32
	MaxOutcomes      int
	// Epsilon bounds every outcome probability to [Epsilon, 1-Epsilon].
	Epsilon uint256.Int
	// PriceBandBps rejects limit prices further than this from the
	// market maker's price. Zero disables the band.
	PriceBandBps uint32
	CurveLimits  curve.Limits
}

// DefaultConfig returns a 1% instrument fee, a 10% creator fee ceiling and
// up to 16 outcomes.
func DefaultConfig() Config {
	return Config{
		Account:          common.HexToAddress("0x00000000000000000000000000000000000000e0"),
		FeeBps:           100,
		MaxCreatorFeeBps: 1_000,
		MaxOutcomes:      16,
		Epsilon:          pricing.DefaultEpsilon,
		CurveLimits:      curve.DefaultLimits(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Account == (common.Address{}) {
		return fmt.Errorf("ledger: config: custody account must be set")
	}
	if c.FeeBps >= 10_000 || c.MaxCreatorFeeBps >= 10_000 {
		return fmt.Errorf("ledger: config: fees must be below 10000 bps")
	}
	if c.MaxOutcomes < 2 {
		return fmt.Errorf("ledger: config: max outcomes must be at least 2")
	}
	half := uint256.NewInt(500_000_000_000_000_000)
	if c.Epsilon.IsZero() || !c.Epsilon.Lt(half) {
		return fmt.Errorf("ledger: config: epsilon must lie in (0, 0.5)")
	}
	if c.CurveLimits.MaxSupply == 0 || c.CurveLimits.MinTick.IsZero() {
		return fmt.Errorf("ledger: config: curve limits must be positive")
	}
	return nil
}

type holdingKey struct {
	inst   domain.InstrumentID
	holder common.Address
}

type positionKey struct {
	market domain.MarketID
	holder common.Address
}

type bookKey struct {
	market  domain.MarketID
	outcome int
}

// Engine owns all ledger state in dense arenas indexed by ID-1.
type Engine struct {
	cfg   Config
	asset domain.CollateralAsset
	auth  *Authorizer
	clock Clock

	instruments []domain.Instrument
	handles     map[string]domain.InstrumentID
	holdings    map[holdingKey]uint64

	markets         []domain.Market
	positions       []domain.Position
	positionIndex   map[positionKey]domain.PositionID
	marketPositions map[domain.MarketID][]domain.PositionID

	orders       []domain.LimitOrder
	marketOrders map[domain.MarketID][]domain.OrderID
	books        map[bookKey]*orderbook.Book

	log []domain.Event
	seq uint64

	busy bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithAuthorizer installs a prepared authorizer.
func WithAuthorizer(a *Authorizer) Option { return func(e *Engine) { e.auth = a } }

// New creates an empty engine settling in asset.
func New(cfg Config, asset domain.CollateralAsset, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		asset: asset,
		auth:  NewAuthorizer(),
		clock: SystemClock{},
	}
	e.reset()
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) reset() {
	e.instruments = nil
	e.handles = make(map[string]domain.InstrumentID)
	e.holdings = make(map[holdingKey]uint64)
	e.markets = nil
	e.positions = nil
	e.positionIndex = make(map[positionKey]domain.PositionID)
	e.marketPositions = make(map[domain.MarketID][]domain.PositionID)
	e.orders = nil
	e.marketOrders = make(map[domain.MarketID][]domain.OrderID)
	e.books = make(map[bookKey]*orderbook.Book)
	e.log = nil
	e.seq = 0
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Authorizer returns the capability registry.
func (e *Engine) Authorizer() *Authorizer { return e.auth }

// Account returns the custody account.
func (e *Engine) Account() common.Address { return e.cfg.Account }

// exec runs fn as one atomic operation. Payouts run after commit, so a
// payout error comes back with the state and its events already in place;
// LastSeq tells the caller the operation took effect.
func (e *Engine) exec(op string, caller common.Address, fn func(tx *txn) error) error {
	if e.busy {
		return fmt.Errorf("ledger: %s: %w: re-entrant call", op, domain.ErrStateConflict)
	}
	e.busy = true
	defer func() { e.busy = false }()

	tx := e.begin(op, caller)
	if err := fn(tx); err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if err := tx.verify(); err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if err := tx.collect(); err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	tx.commit()
	if err := tx.payout(); err != nil {
		return fmt.Errorf("ledger: %s: %w: payout after commit: %v", op, domain.ErrInvariantViolation, err)
	}
	return nil
}

// LastSeq returns the sequence number of the newest event.
func (e *Engine) LastSeq() uint64 { return e.seq }

// Events returns retained events with Seq > after, oldest first.
func (e *Engine) Events(after uint64) []domain.Event {
	if len(e.log) == 0 {
		return nil
	}
	first := e.log[0].Seq
	idx := 0
	if after >= first {
		idx = int(after - first + 1)
	}
	if idx >= len(e.log) {
		return nil
	}
	out := make([]domain.Event, len(e.log)-idx)
	copy(out, e.log[idx:])
	return out
}

// TrimEvents drops retained events with Seq <= upTo. Sequence numbering is
// unaffected.
func (e *Engine) TrimEvents(upTo uint64) {
	i := 0
	for i < len(e.log) && e.log[i].Seq <= upTo {
		i++
	}
	e.log = append([]domain.Event(nil), e.log[i:]...)
}
