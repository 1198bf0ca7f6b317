package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/ledger"
	"github.com/alanyoungcy/polyledger/internal/pricing"
	"github.com/alanyoungcy/polyledger/internal/service"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Engine.Admins = []string{admin.Hex()}
	cfg.Engine.Grants = map[string][]string{bob.Hex(): {"resolve_market"}}
	cfg.Collateral.Genesis = []config.GenesisAccount{{Account: alice.Hex(), Amount: "1000"}}
	return &cfg
}

func TestEngineConfigParsesAmounts(t *testing.T) {
	c := config.Defaults().Engine
	c.ProbabilityEpsilon = "0.001"
	c.MinTick = "0.01"
	c.MaxSupply = 5_000

	out, err := EngineConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "0.001", fp.Format(&out.Epsilon))
	assert.Equal(t, "0.01", fp.Format(&out.CurveLimits.MinTick))
	assert.Equal(t, uint64(5_000), out.CurveLimits.MaxSupply)
	assert.Equal(t, common.HexToAddress(c.Account), out.Account)

	c.ProbabilityEpsilon = "lots"
	_, err = EngineConfig(c)
	require.Error(t, err)
}

func TestAuthorizerGrants(t *testing.T) {
	auth, err := Authorizer(testConfig().Engine)
	require.NoError(t, err)

	for _, c := range ledger.AllCapabilities() {
		assert.True(t, auth.Allowed(admin, c), c.String())
	}
	assert.True(t, auth.Allowed(bob, ledger.CapResolveMarket))
	assert.False(t, auth.Allowed(bob, ledger.CapWithdrawFees))
	assert.False(t, auth.Allowed(alice, ledger.CapResolveMarket))

	bad := testConfig().Engine
	bad.Grants = map[string][]string{bob.Hex(): {"mint_money"}}
	_, err = Authorizer(bad)
	require.Error(t, err)
}

func TestNewEngineMintsGenesis(t *testing.T) {
	cfg := testConfig()
	eng, token, err := NewEngine(cfg)
	require.NoError(t, err)

	assert.Equal(t, "1000", fp.Format(token.BalanceOf(alice)))
	assert.True(t, token.Allowance(alice, eng.Account()).Eq(fp.Zero().SetAllOne()))

	cfg.Collateral.Genesis = append(cfg.Collateral.Genesis, config.GenesisAccount{Account: bob.Hex(), Amount: "-1"})
	_, _, err = NewEngine(cfg)
	require.Error(t, err)
}

func TestAuditModeRestoresLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	deps, cleanup, err := Wire(ctx, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	a := New(cfg, discardLogger())

	report, err := a.AuditMode(ctx, deps)
	require.NoError(t, err)
	assert.Zero(t, report.SnapshotSeq)
	assert.NoError(t, report.Err)

	eng, _, err := NewEngine(cfg)
	require.NoError(t, err)
	svc := service.NewLedgerService(eng, nil, nil, nil, discardLogger())
	_, err = svc.CreateMarket(ctx, alice, domain.MarketSpec{
		Labels:    []string{"yes", "no"},
		Algorithm: pricing.CPMM,
		Seed:      *fp.MustParse("100"),
		Duration:  time.Hour,
	})
	require.NoError(t, err)

	data, seq, err := svc.Snapshot()
	require.NoError(t, err)
	require.NotZero(t, seq)
	_, err = deps.Snapshots.Save(ctx, seq, data)
	require.NoError(t, err)

	report, err = a.AuditMode(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, seq, report.SnapshotSeq)
	assert.NotEmpty(t, report.Path)
	assert.NoError(t, report.Err)
}
