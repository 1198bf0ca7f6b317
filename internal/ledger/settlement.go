package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
)

// ResolveMarket settles a market on winner once its trading window has
// closed. Resting orders are cancelled and their escrow returned before the
// market becomes claimable. Requires CapResolveMarket.
func (e *Engine) ResolveMarket(caller common.Address, id domain.MarketID, winner int) (domain.Market, error) {
	var out domain.Market
	err := e.exec("resolve_market", caller, func(tx *txn) error {
		if err := e.auth.Require(caller, CapResolveMarket); err != nil {
			return err
		}
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusOpen {
			return fmt.Errorf("%w: market %d is already %s", domain.ErrStateConflict, id, m.Status)
		}
		if tx.now.Before(m.EndTime) {
			return fmt.Errorf("%w: market %d trades until %s", domain.ErrStateConflict, id, m.EndTime)
		}
		if err := m.CheckOutcome(winner); err != nil {
			return err
		}
		if _, err := tx.unwindOrders(m, reasonResolved); err != nil {
			return err
		}
		m.Status = domain.MarketStatusResolved
		m.Winner = winner
		m.SettledAt = tx.now
		tx.emit(domain.EventMarketResolved, domain.MarketResolved{
			Market:      m.ID,
			Winner:      winner,
			Label:       m.Labels[winner],
			Pool:        fp.Format(&m.CollateralPool),
			Outstanding: fp.Format(&m.Outstanding[winner]),
			By:          caller.Hex(),
		})
		out = m.Clone()
		return nil
	})
	return out, err
}

// CancelMarket voids an open market. Every position is assigned a refund of
// floor(pool * net / Σnet) where net is what the holder paid in minus what
// they took out; the rounding dust stays in the pool. Requires
// CapCancelMarket.
func (e *Engine) CancelMarket(caller common.Address, id domain.MarketID) (domain.Market, error) {
	var out domain.Market
	err := e.exec("cancel_market", caller, func(tx *txn) error {
		if err := e.auth.Require(caller, CapCancelMarket); err != nil {
			return err
		}
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusOpen {
			return fmt.Errorf("%w: market %d is already %s", domain.ErrStateConflict, id, m.Status)
		}
		if _, err := tx.unwindOrders(m, reasonCancel); err != nil {
			return err
		}

		ids := tx.marketPositionIDs(m.ID)
		total := new(uint256.Int)
		for _, pid := range ids {
			sum, err := add(total, tx.positionByID(pid).NetContribution())
			if err != nil {
				return err
			}
			total = sum
		}
		refunded := new(uint256.Int)
		holders := 0
		if !total.IsZero() {
			for _, pid := range ids {
				pos := tx.positionByID(pid)
				refund, err := fp.MulDiv(&m.CollateralPool, pos.NetContribution(), total, false)
				if err != nil {
					return violation("refund for position %d: %v", pid, err)
				}
				pos.Refund = *refund
				refunded.Add(refunded, refund)
				if !refund.IsZero() {
					holders++
				}
			}
		}
		dust, err := sub(&m.CollateralPool, refunded)
		if err != nil {
			return err
		}
		m.RefundDust = *dust
		m.Status = domain.MarketStatusCancelled
		m.SettledAt = tx.now
		tx.emit(domain.EventMarketCancelled, domain.MarketCancelled{
			Market:   m.ID,
			Pool:     fp.Format(&m.CollateralPool),
			Refunded: fp.Format(refunded),
			Dust:     fp.Format(dust),
			Holders:  holders,
			By:       caller.Hex(),
		})
		out = m.Clone()
		return nil
	})
	return out, err
}

// Claim pays the caller's winning shares one unit each after resolution, or
// their refund after cancellation. A position can be claimed once.
func (e *Engine) Claim(caller common.Address, id domain.MarketID) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.exec("claim", caller, func(tx *txn) error {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if m.Status == domain.MarketStatusOpen {
			return fmt.Errorf("%w: market %d is still open", domain.ErrStateConflict, id)
		}
		pos := tx.position(m, caller)
		if pos == nil {
			return fmt.Errorf("%w: %w: %s has no position in market %d",
				domain.ErrValidation, domain.ErrNotFound, caller.Hex(), id)
		}
		if pos.Claimed {
			return fmt.Errorf("%w: %s already claimed market %d", domain.ErrStateConflict, caller.Hex(), id)
		}

		refund := m.Status == domain.MarketStatusCancelled
		var payout uint256.Int
		if refund {
			payout = pos.Refund
		} else {
			payout = pos.Shares[m.Winner]
		}
		if payout.IsZero() {
			return fmt.Errorf("%w: nothing to claim for %s in market %d", domain.ErrValidation, caller.Hex(), id)
		}
		if !refund {
			outstanding, err := sub(&m.Outstanding[m.Winner], &payout)
			if err != nil {
				return err
			}
			m.Outstanding[m.Winner] = *outstanding
			pos.Shares[m.Winner].Clear()
		}
		pool, err := sub(&m.CollateralPool, &payout)
		if err != nil {
			return err
		}
		m.CollateralPool = *pool
		pos.Claimed = true
		tx.push(caller, &payout)
		tx.emit(domain.EventClaimed, domain.Claimed{
			Market: m.ID,
			Holder: caller.Hex(),
			Amount: fp.Format(&payout),
			Refund: refund,
		})
		out = &payout
		return nil
	})
	return out, err
}

// WithdrawLiquidity pays the creator of a resolved market whatever the
// pool holds beyond the outstanding winning shares.
func (e *Engine) WithdrawLiquidity(caller common.Address, id domain.MarketID) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.exec("withdraw_liquidity", caller, func(tx *txn) error {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if caller != m.Creator {
			return fmt.Errorf("%w: only the creator of market %d may withdraw liquidity", domain.ErrUnauthorized, id)
		}
		if m.Status != domain.MarketStatusResolved {
			return fmt.Errorf("%w: market %d is %s", domain.ErrStateConflict, id, m.Status)
		}
		residual, err := sub(&m.CollateralPool, &m.Outstanding[m.Winner])
		if err != nil {
			return err
		}
		if residual.IsZero() {
			return fmt.Errorf("%w: market %d has no residual liquidity", domain.ErrValidation, id)
		}
		m.CollateralPool.Sub(&m.CollateralPool, residual)
		tx.push(caller, residual)
		tx.emit(domain.EventLiquidityWithdrawn, domain.MarketWithdrawal{
			Market: m.ID,
			To:     caller.Hex(),
			Amount: fp.Format(residual),
		})
		out = residual
		return nil
	})
	return out, err
}

// WithdrawCreatorFees pays a market's accrued creator fees to its creator.
func (e *Engine) WithdrawCreatorFees(caller common.Address, id domain.MarketID) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.exec("withdraw_creator_fees", caller, func(tx *txn) error {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if caller != m.Creator {
			return fmt.Errorf("%w: only the creator of market %d may withdraw fees", domain.ErrUnauthorized, id)
		}
		if m.CreatorFees.IsZero() {
			return fmt.Errorf("%w: market %d has no creator fees", domain.ErrValidation, id)
		}
		amount := new(uint256.Int).Set(&m.CreatorFees)
		m.CreatorFees.Clear()
		tx.push(caller, amount)
		tx.emit(domain.EventCreatorFeesWithdrawn, domain.MarketWithdrawal{
			Market: m.ID,
			To:     caller.Hex(),
			Amount: fp.Format(amount),
		})
		out = amount
		return nil
	})
	return out, err
}
