package collateral

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var (
	owner   = common.HexToAddress("0x01")
	spender = common.HexToAddress("0x02")
	other   = common.HexToAddress("0x03")
)

func TestTransferFromConsumesAllowance(t *testing.T) {
	tok := NewToken("USDX")
	require.NoError(t, tok.Mint(owner, uint256.NewInt(100)))
	tok.Approve(owner, spender, uint256.NewInt(60))

	require.NoError(t, tok.TransferFrom(spender, owner, other, uint256.NewInt(40)))
	assert.Equal(t, uint256.NewInt(60), tok.BalanceOf(owner))
	assert.Equal(t, uint256.NewInt(40), tok.BalanceOf(other))
	assert.Equal(t, uint256.NewInt(20), tok.Allowance(owner, spender))

	err := tok.TransferFrom(spender, owner, other, uint256.NewInt(21))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, uint256.NewInt(20), tok.Allowance(owner, spender))

	err = tok.TransferFrom(other, owner, other, uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestTransferRejectsOverdraft(t *testing.T) {
	tok := NewToken("USDX")
	require.NoError(t, tok.Mint(owner, uint256.NewInt(5)))

	err := tok.Transfer(owner, other, uint256.NewInt(6))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, uint256.NewInt(5), tok.BalanceOf(owner))

	require.NoError(t, tok.Transfer(owner, owner, uint256.NewInt(5)))
	assert.Equal(t, uint256.NewInt(5), tok.BalanceOf(owner))
	assert.Equal(t, uint256.NewInt(5), tok.TotalSupply())
}

func TestMintOverflow(t *testing.T) {
	tok := NewToken("USDX")
	require.NoError(t, tok.Mint(owner, new(uint256.Int).SetAllOne()))
	require.Error(t, tok.Mint(other, uint256.NewInt(1)))
	assert.True(t, tok.BalanceOf(other).IsZero())
}

func TestStateRoundTrip(t *testing.T) {
	tok := NewToken("USDX")
	require.NoError(t, tok.Mint(owner, uint256.NewInt(70)))
	require.NoError(t, tok.Mint(other, uint256.NewInt(30)))
	tok.Approve(owner, spender, uint256.NewInt(9))

	data, err := json.Marshal(tok)
	require.NoError(t, err)

	restored := NewToken("")
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, "USDX", restored.Symbol())
	assert.Equal(t, uint256.NewInt(100), restored.TotalSupply())
	assert.Equal(t, uint256.NewInt(70), restored.BalanceOf(owner))
	assert.Equal(t, uint256.NewInt(9), restored.Allowance(owner, spender))

	again, err := json.Marshal(restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	require.Error(t, json.Unmarshal([]byte(`{"balances":[{"balance":"x"}]}`), restored))
}
