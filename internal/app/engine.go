package app

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/collateral"
	"github.com/alanyoungcy/polyledger/internal/config"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/ledger"
)

// EngineConfig converts the TOML engine section into ledger parameters.
func EngineConfig(c config.EngineConfig) (ledger.Config, error) {
	out := ledger.DefaultConfig()
	out.Account = common.HexToAddress(c.Account)
	out.FeeBps = c.FeeBps
	out.MaxCreatorFeeBps = c.MaxCreatorFeeBps
	out.MaxOutcomes = c.MaxOutcomes
	out.PriceBandBps = c.PriceBandBps

	eps, err := fp.Parse(c.ProbabilityEpsilon)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("engine: probability_epsilon: %w", err)
	}
	out.Epsilon = *eps

	tick, err := fp.Parse(c.MinTick)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("engine: min_tick: %w", err)
	}
	out.CurveLimits.MinTick = *tick
	if c.MaxSupply > 0 {
		out.CurveLimits.MaxSupply = c.MaxSupply
	}
	if err := out.Validate(); err != nil {
		return ledger.Config{}, err
	}
	return out, nil
}

// Authorizer builds the capability table: admins hold every capability,
// grants add named ones per address.
func Authorizer(c config.EngineConfig) (*ledger.Authorizer, error) {
	auth := ledger.NewAuthorizer()
	for _, a := range c.Admins {
		auth.Grant(common.HexToAddress(a), ledger.AllCapabilities()...)
	}
	for addr, names := range c.Grants {
		caps := make([]ledger.Capability, 0, len(names))
		for _, name := range names {
			capability, err := ledger.ParseCapability(name)
			if err != nil {
				return nil, fmt.Errorf("engine: grants for %s: %w", addr, err)
			}
			caps = append(caps, capability)
		}
		auth.Grant(common.HexToAddress(addr), caps...)
	}
	return auth, nil
}

// NewEngine builds the collateral token and the engine from configuration.
// Genesis balances are minted before any snapshot is restored; a restore
// replaces the token state wholesale.
func NewEngine(cfg *config.Config, opts ...ledger.Option) (*ledger.Engine, *collateral.Token, error) {
	lcfg, err := EngineConfig(cfg.Engine)
	if err != nil {
		return nil, nil, err
	}
	auth, err := Authorizer(cfg.Engine)
	if err != nil {
		return nil, nil, err
	}

	token := collateral.NewToken(cfg.Collateral.Symbol)
	unlimited := new(uint256.Int).SetAllOne()
	for _, g := range cfg.Collateral.Genesis {
		amount, err := fp.Parse(g.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("collateral: genesis %s: %w", g.Account, err)
		}
		account := common.HexToAddress(g.Account)
		if err := token.Mint(account, amount); err != nil {
			return nil, nil, fmt.Errorf("collateral: mint %s: %w", g.Account, err)
		}
		if cfg.Collateral.ApproveEngine {
			token.Approve(account, lcfg.Account, unlimited)
		}
	}

	opts = append([]ledger.Option{ledger.WithAuthorizer(auth)}, opts...)
	eng, err := ledger.New(lcfg, token, opts...)
	if err != nil {
		return nil, nil, err
	}
	return eng, token, nil
}
