package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Capability is a privileged operation that must be explicitly granted.
type Capability uint8

const (
	CapResolveMarket Capability = iota + 1
	CapCancelMarket
	CapWithdrawFees
	CapOverrideCurve
)

var capabilityNames = [...]string{
	CapResolveMarket: "resolve_market",
	CapCancelMarket:  "cancel_market",
	CapWithdrawFees:  "withdraw_fees",
	CapOverrideCurve: "override_curve",
}

func (c Capability) String() string {
	if c >= CapResolveMarket && int(c) < len(capabilityNames) {
		return capabilityNames[c]
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// AllCapabilities lists every capability in declaration order.
func AllCapabilities() []Capability {
	return []Capability{CapResolveMarket, CapCancelMarket, CapWithdrawFees, CapOverrideCurve}
}

// ParseCapability resolves a capability by name.
func ParseCapability(s string) (Capability, error) {
	for i, name := range capabilityNames {
		if name != "" && strings.EqualFold(s, name) {
			return Capability(i), nil
		}
	}
	return 0, fmt.Errorf("ledger: unknown capability %q", s)
}

// Authorizer holds the capability grants of each principal.
type Authorizer struct {
	grants map[common.Address]uint32
}

// NewAuthorizer returns an authorizer with no grants.
func NewAuthorizer() *Authorizer {
	return &Authorizer{grants: make(map[common.Address]uint32)}
}

// Grant adds capabilities to a principal.
func (a *Authorizer) Grant(p common.Address, caps ...Capability) {
	for _, c := range caps {
		a.grants[p] |= 1 << c
	}
}

// Revoke removes capabilities from a principal.
func (a *Authorizer) Revoke(p common.Address, caps ...Capability) {
	for _, c := range caps {
		a.grants[p] &^= 1 << c
	}
	if a.grants[p] == 0 {
		delete(a.grants, p)
	}
}

// Allowed reports whether p holds c.
func (a *Authorizer) Allowed(p common.Address, c Capability) bool {
	return a.grants[p]&(1<<c) != 0
}

// Require fails with domain.ErrUnauthorized unless p holds c.
func (a *Authorizer) Require(p common.Address, c Capability) error {
	if !a.Allowed(p, c) {
		return fmt.Errorf("%w: %s lacks %s", domain.ErrUnauthorized, p.Hex(), c)
	}
	return nil
}
