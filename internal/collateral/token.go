// Package collateral provides an in-memory 18-decimal fungible token that
// satisfies domain.CollateralAsset. It backs development deployments and
// tests; production assets plug in behind the same interface.
package collateral

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// Compile-time interface check.
var _ domain.CollateralAsset = (*Token)(nil)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Token is a mintable in-memory token. It is safe for concurrent use.
type Token struct {
	mu         sync.RWMutex
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     uint256.Int
}

// NewToken creates an empty token.
func NewToken(symbol string) *Token {
	return &Token{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// Symbol returns the ticker.
func (t *Token) Symbol() string { return t.symbol }

// BalanceOf returns a copy of the account's balance.
func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Allowance returns how much spender may pull from owner.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// TotalSupply returns the minted total.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(&t.supply)
}

// Mint credits amount to account.
func (t *Token) Mint(account common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := fp.Add(&t.supply, amount)
	if err != nil {
		return fmt.Errorf("collateral: mint: %w", err)
	}
	bal, err := fp.Add(t.balanceLocked(account), amount)
	if err != nil {
		return fmt.Errorf("collateral: mint: %w", err)
	}
	t.supply = *supply
	t.balances[account] = bal
	return nil
}

// Approve sets the amount spender may pull from owner.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[allowanceKey{owner, spender}] = new(uint256.Int).Set(amount)
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// TransferFrom moves amount from one account to another on behalf of
// spender, consuming allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := allowanceKey{from, spender}
	allowed, ok := t.allowances[key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("collateral: transfer from %s: allowance below %s: %w",
			from.Hex(), fp.Format(amount), domain.ErrInsufficientBalance)
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	t.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (t *Token) balanceLocked(a common.Address) *uint256.Int {
	if b, ok := t.balances[a]; ok {
		return b
	}
	return new(uint256.Int)
}

func (t *Token) moveLocked(from, to common.Address, amount *uint256.Int) error {
	src := t.balanceLocked(from)
	if src.Lt(amount) {
		return fmt.Errorf("collateral: transfer from %s: balance %s below %s: %w",
			from.Hex(), fp.Format(src), fp.Format(amount), domain.ErrInsufficientBalance)
	}
	if from == to {
		return nil
	}
	t.balances[from] = new(uint256.Int).Sub(src, amount)
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

type accountRecord struct {
	Account common.Address `json:"account"`
	Balance string         `json:"balance"`
}

type allowanceRecord struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

type tokenState struct {
	Symbol     string            `json:"symbol"`
	Balances   []accountRecord   `json:"balances"`
	Allowances []allowanceRecord `json:"allowances"`
}

// MarshalJSON encodes balances and allowances in address order.
func (t *Token) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := tokenState{Symbol: t.symbol}
	for a, b := range t.balances {
		st.Balances = append(st.Balances, accountRecord{Account: a, Balance: b.Dec()})
	}
	for k, v := range t.allowances {
		st.Allowances = append(st.Allowances, allowanceRecord{Owner: k.owner, Spender: k.spender, Amount: v.Dec()})
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		return st.Balances[i].Account.Cmp(st.Balances[j].Account) < 0
	})
	sort.Slice(st.Allowances, func(i, j int) bool {
		if c := st.Allowances[i].Owner.Cmp(st.Allowances[j].Owner); c != 0 {
			return c < 0
		}
		return st.Allowances[i].Spender.Cmp(st.Allowances[j].Spender) < 0
	})
	return json.Marshal(st)
}

// UnmarshalJSON replaces the token state.
func (t *Token) UnmarshalJSON(b []byte) error {
	var st tokenState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("collateral: decode: %w", err)
	}
	balances := make(map[common.Address]*uint256.Int, len(st.Balances))
	supply := new(uint256.Int)
	for _, r := range st.Balances {
		v, err := uint256.FromDecimal(r.Balance)
		if err != nil {
			return fmt.Errorf("collateral: decode balance of %s: %w", r.Account.Hex(), err)
		}
		balances[r.Account] = v
		supply.Add(supply, v)
	}
	allowances := make(map[allowanceKey]*uint256.Int, len(st.Allowances))
	for _, r := range st.Allowances {
		v, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return fmt.Errorf("collateral: decode allowance: %w", err)
		}
		allowances[allowanceKey{r.Owner, r.Spender}] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st.Symbol != "" {
		t.symbol = st.Symbol
	}
	t.balances = balances
	t.allowances = allowances
	t.supply = *supply
	return nil
}
