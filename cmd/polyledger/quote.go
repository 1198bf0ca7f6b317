package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/curve"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price trades offline without touching a ledger",
}

var (
	curveFlags struct {
		kind       string
		basePrice  string
		slope      string
		inflection string
		steepness  string
		maxSupply  uint64
		supply     uint64
		amount     uint64
	}
	marketFlags struct {
		algorithm string
		outcomes  int
		liquidity string
		param     string
		side      string
		outcome   int
		amount    string
	}
)

func init() {
	rootCmd.AddCommand(quoteCmd)
	quoteCmd.AddCommand(quoteCurveCmd, quoteMarketCmd)

	f := quoteCurveCmd.Flags()
	f.StringVar(&curveFlags.kind, "kind", "linear", "curve kind: linear, exponential or sigmoid")
	f.StringVar(&curveFlags.basePrice, "base-price", "1", "price of the first unit")
	f.StringVar(&curveFlags.slope, "slope", "0", "curve slope")
	f.StringVar(&curveFlags.inflection, "inflection", "0", "sigmoid inflection supply")
	f.StringVar(&curveFlags.steepness, "steepness", "0", "sigmoid steepness")
	f.Uint64Var(&curveFlags.maxSupply, "max-supply", 0, "per-instrument supply cap, 0 for the default ceiling")
	f.Uint64Var(&curveFlags.supply, "supply", 0, "current supply in whole units")
	f.Uint64Var(&curveFlags.amount, "amount", 1, "units to buy and sell")
	addOutputFlag(quoteCurveCmd)

	f = quoteMarketCmd.Flags()
	f.StringVar(&marketFlags.algorithm, "algorithm", "cpmm", "pricing algorithm: cpmm or lmsr")
	f.IntVar(&marketFlags.outcomes, "outcomes", 2, "number of outcomes")
	f.StringVar(&marketFlags.liquidity, "liquidity", "100", "seed liquidity")
	f.StringVar(&marketFlags.param, "param", "0", "liquidity parameter b (lmsr only)")
	f.StringVar(&marketFlags.side, "side", "", "trade side to quote: buy or sell; empty prices the seeded market")
	f.IntVar(&marketFlags.outcome, "outcome", 0, "outcome index to trade")
	f.StringVar(&marketFlags.amount, "amount", "1", "shares to trade")
	addOutputFlag(quoteMarketCmd)
}

type curveQuote struct {
	Kind         string `json:"kind"`
	Supply       uint64 `json:"supply"`
	Amount       uint64 `json:"amount"`
	Ceiling      uint64 `json:"ceiling"`
	CurrentPrice string `json:"current_price,omitempty"`
	BuyCost      string `json:"buy_cost,omitempty"`
	SellProceeds string `json:"sell_proceeds,omitempty"`
}

var quoteCurveCmd = &cobra.Command{
	Use:   "curve",
	Short: "Quote a bonding-curve buy and sell at a given supply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := curveConfig()
		if err != nil {
			return err
		}
		limits := curve.DefaultLimits()
		if err := cfg.Validate(limits); err != nil {
			return err
		}

		supply, amount := curveFlags.supply, curveFlags.amount
		out := curveQuote{
			Kind:    cfg.Kind.String(),
			Supply:  supply,
			Amount:  amount,
			Ceiling: cfg.Ceiling(limits),
		}
		price, err := curve.CurrentPrice(supply, cfg, limits)
		switch {
		case err == nil:
			out.CurrentPrice = fp.Format(price)
		case !errors.Is(err, curve.ErrSupplyCeiling):
			return fmt.Errorf("current price: %w", err)
		}
		// A sell needs existing supply and a buy needs headroom; either
		// side may be unavailable at the edges of the curve.
		if cost, err := curve.BuyCost(supply, amount, cfg, limits); err == nil {
			out.BuyCost = fp.Format(cost)
		}
		if supply >= amount {
			if proceeds, err := curve.SellProceeds(supply, amount, cfg); err == nil {
				out.SellProceeds = fp.Format(proceeds)
			}
		}

		return printOutput(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "%s curve at supply %d (ceiling %d)\n", out.Kind, out.Supply, out.Ceiling)
			fmt.Fprintf(w, "  current price   %s\n", orDash(out.CurrentPrice))
			fmt.Fprintf(w, "  buy %d costs    %s\n", out.Amount, orDash(out.BuyCost))
			fmt.Fprintf(w, "  sell %d returns %s\n", out.Amount, orDash(out.SellProceeds))
		})
	},
}

func curveConfig() (curve.Config, error) {
	kind, err := curve.ParseKind(curveFlags.kind)
	if err != nil {
		return curve.Config{}, err
	}
	cfg := curve.Config{Kind: kind, MaxSupply: curveFlags.maxSupply}
	for _, f := range []struct {
		name string
		raw  string
		dst  *uint256.Int
	}{
		{"base-price", curveFlags.basePrice, &cfg.BasePrice},
		{"slope", curveFlags.slope, &cfg.Slope},
		{"inflection", curveFlags.inflection, &cfg.Inflection},
		{"steepness", curveFlags.steepness, &cfg.Steepness},
	} {
		v, err := fp.Parse(f.raw)
		if err != nil {
			return curve.Config{}, fmt.Errorf("--%s: %w", f.name, err)
		}
		f.dst.Set(v)
	}
	return cfg, nil
}

type marketQuote struct {
	Algorithm string   `json:"algorithm"`
	Side      string   `json:"side,omitempty"`
	Outcome   int      `json:"outcome"`
	Amount    string   `json:"amount,omitempty"`
	Total     string   `json:"total,omitempty"`
	Shares    []string `json:"shares"`
	Prices    []string `json:"prices"`
}

var quoteMarketCmd = &cobra.Command{
	Use:   "market",
	Short: "Seed a market maker and quote a trade against it",
	RunE: func(cmd *cobra.Command, args []string) error {
		algo, err := pricing.ParseAlgorithm(marketFlags.algorithm)
		if err != nil {
			return err
		}
		liquidity, err := fp.Parse(marketFlags.liquidity)
		if err != nil {
			return fmt.Errorf("--liquidity: %w", err)
		}
		param, err := fp.Parse(marketFlags.param)
		if err != nil {
			return fmt.Errorf("--param: %w", err)
		}
		shares, err := pricing.Seed(algo, marketFlags.outcomes, liquidity, param)
		if err != nil {
			return err
		}

		out := marketQuote{Algorithm: algo.String(), Outcome: marketFlags.outcome}
		var q pricing.Quote
		switch side := strings.ToLower(marketFlags.side); side {
		case "":
			prices, err := pricing.Prices(algo, shares, param)
			if err != nil {
				return err
			}
			q = pricing.Quote{Shares: shares, Prices: prices}
		case "buy", "sell":
			amount, err := fp.Parse(marketFlags.amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			trade := pricing.Buy
			if side == "sell" {
				trade = pricing.Sell
			}
			q, err = trade(algo, shares, marketFlags.outcome, amount, param, &pricing.DefaultEpsilon)
			if err != nil {
				return err
			}
			out.Side = side
			out.Amount = fp.Format(amount)
			out.Total = fp.Format(q.Amount)
		default:
			return fmt.Errorf("--side must be buy or sell, got %q", marketFlags.side)
		}
		out.Shares = formatAll(q.Shares)
		out.Prices = formatAll(q.Prices)

		return printOutput(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "%s market with %d outcomes\n", out.Algorithm, len(out.Prices))
			if out.Side != "" {
				verb := "costs"
				if out.Side == "sell" {
					verb = "returns"
				}
				fmt.Fprintf(w, "  %s %s of outcome %d %s %s before fees\n", out.Side, out.Amount, out.Outcome, verb, out.Total)
			}
			for i := range out.Prices {
				fmt.Fprintf(w, "  outcome %d: price %s, pool shares %s\n", i, out.Prices[i], out.Shares[i])
			}
		})
	},
}

func formatAll(v []uint256.Int) []string {
	out := make([]string, len(v))
	for i := range v {
		out[i] = fp.Format(&v[i])
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
