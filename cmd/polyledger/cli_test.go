package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/config"
)

// execute runs the root command with flags reset to their defaults, since
// cobra keeps parsed values on the package-level commands between runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, c := range []*cobra.Command{quoteCurveCmd, quoteMarketCmd, auditCmd} {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestQuoteCurveLinearJSON(t *testing.T) {
	out, err := execute(t, "quote", "curve",
		"--kind", "linear", "--base-price", "1", "--slope", "0.5",
		"--supply", "2", "--amount", "2", "--output", "json")
	require.NoError(t, err)

	var q curveQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, "linear", q.Kind)
	// F(x) = x + 0.25*x*(x-1); F(4)-F(2) = 7-2.5, F(3)-F(2) = 4.5-2.5
	assert.Equal(t, "4.5", q.BuyCost)
	assert.Equal(t, "2", q.CurrentPrice)
	// F(2)-F(0)
	assert.Equal(t, "2.5", q.SellProceeds)
}

func TestQuoteCurveHumanAtZeroSupply(t *testing.T) {
	out, err := execute(t, "quote", "curve", "--kind", "linear", "--base-price", "1", "--supply", "0", "--output", "human")
	require.NoError(t, err)
	assert.Contains(t, out, "linear curve at supply 0")
	assert.Contains(t, out, "sell 1 returns -")
}

func TestQuoteCurveRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "quote", "curve", "--kind", "quadratic")
	require.Error(t, err)
}

func TestQuoteMarketSeededPrices(t *testing.T) {
	out, err := execute(t, "quote", "market", "--algorithm", "cpmm", "--outcomes", "2", "--liquidity", "100", "--output", "json")
	require.NoError(t, err)

	var q marketQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, []string{"0.5", "0.5"}, q.Prices)
	assert.Empty(t, q.Side)
}

func TestQuoteMarketBuyMovesPrice(t *testing.T) {
	out, err := execute(t, "quote", "market", "--algorithm", "lmsr", "--outcomes", "3",
		"--liquidity", "100", "--param", "50", "--side", "buy", "--outcome", "1", "--amount", "10", "--output", "json")
	require.NoError(t, err)

	var q marketQuote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, "buy", q.Side)
	require.Len(t, q.Prices, 3)
	assert.Greater(t, q.Prices[1], q.Prices[0])
	assert.NotEmpty(t, q.Total)
}

func TestQuoteMarketRejectsBadSide(t *testing.T) {
	_, err := execute(t, "quote", "market", "--side", "hold")
	require.Error(t, err)
}

func TestOutputFlagValidated(t *testing.T) {
	_, err := execute(t, "quote", "curve", "--output", "yaml")
	require.Error(t, err)
}

func TestNewLoggerRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polyledger.log")
	logger, closer := newLogger(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1}, nil)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closer.Close())

	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
