// Package cpmm implements the two-asset constant-product market maker
// (Uniswap-v2-style) used to price team tokens against the BRDG reserve
// token.
//
// The pricing rule holds the product of the two reserves invariant across
// a trade:
//
//	k = teamReserve × bridgeReserve
//
// The curve itself provides slippage, growing as a trade approaches the
// size of the reserve. No protocol fee is charged on either side.
//
// All monetary values use shopspring/decimal — never float64 for money.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for a non-positive trade amount.
	ErrInvalidAmount = errors.New("cpmm: amount must be positive")

	// ErrEmptyPool is returned when either reserve is non-positive.
	// A pool in this state can no longer quote prices.
	ErrEmptyPool = errors.New("cpmm: pool reserves must be positive")

	// ErrReserveDepleted is returned when a sell would drain the bridge
	// reserve to zero or below, which breaks the constant-product invariant.
	ErrReserveDepleted = errors.New("cpmm: trade would deplete bridge reserve")

	// PriceScale is the number of decimal places for implied price rounding.
	PriceScale int32 = 8
)

// Quote is the outcome of evaluating the curve for one trade: the reserves
// after the trade and the team-token quantity that changes hands.
type Quote struct {
	NewTeamReserve   decimal.Decimal
	NewBridgeReserve decimal.Decimal

	// TeamTokens is the team-token delta on the trader's side: tokens paid
	// out for a buy, tokens absorbed by the pool for a sell. Always positive.
	TeamTokens decimal.Decimal
}

// BuyQuote evaluates the curve for spending `spend` BRDG into the pool.
//
//	newBridgeReserve = bridgeReserve + spend
//	newTeamReserve   = k / newBridgeReserve
//	tokensOut        = teamReserve - newTeamReserve
//
// tokensOut is strictly positive since the team reserve shrinks as the
// bridge reserve grows.
func BuyQuote(teamReserve, bridgeReserve, spend decimal.Decimal) (Quote, error) {
	if spend.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	if teamReserve.LessThanOrEqual(decimal.Zero) || bridgeReserve.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}

	k := teamReserve.Mul(bridgeReserve)
	newBridge := bridgeReserve.Add(spend)
	newTeam := k.Div(newBridge)

	return Quote{
		NewTeamReserve:   newTeam,
		NewBridgeReserve: newBridge,
		TeamTokens:       teamReserve.Sub(newTeam),
	}, nil
}

// SellQuote solves the inverse curve for withdrawing `amount` BRDG from the
// pool:
//
//	newBridgeReserve = bridgeReserve - amount
//	newTeamReserve   = k / newBridgeReserve
//	tokensAbsorbed   = newTeamReserve - teamReserve
//
// The amount must stay strictly below bridgeReserve; draining the reserve
// drives newBridgeReserve to zero or negative and breaks the invariant, so
// the guard runs before the inverse curve is computed.
func SellQuote(teamReserve, bridgeReserve, amount decimal.Decimal) (Quote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	if teamReserve.LessThanOrEqual(decimal.Zero) || bridgeReserve.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}
	if amount.GreaterThanOrEqual(bridgeReserve) {
		return Quote{}, ErrReserveDepleted
	}

	k := teamReserve.Mul(bridgeReserve)
	newBridge := bridgeReserve.Sub(amount)
	newTeam := k.Div(newBridge)

	return Quote{
		NewTeamReserve:   newTeam,
		NewBridgeReserve: newBridge,
		TeamTokens:       newTeam.Sub(teamReserve),
	}, nil
}

// SpotValue returns the BRDG a position of `held` team tokens would fetch if
// fully liquidated against the current reserves, without mutating them:
//
//	T1 = teamReserve + held
//	B1 = k / T1
//	value = bridgeReserve - B1
//
// Returns zero when held is non-positive. This is the canonical valuation
// rule — wallet display, leaderboard, and the sell cap all go through it so
// no two call sites can disagree.
func SpotValue(teamReserve, bridgeReserve, held decimal.Decimal) decimal.Decimal {
	if held.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if teamReserve.LessThanOrEqual(decimal.Zero) || bridgeReserve.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	k := teamReserve.Mul(bridgeReserve)
	t1 := teamReserve.Add(held)
	b1 := k.Div(t1)
	return bridgeReserve.Sub(b1)
}

// ImpliedPrice returns the instantaneous team-token price in BRDG,
// bridgeReserve / teamReserve, rounded to PriceScale.
func ImpliedPrice(teamReserve, bridgeReserve decimal.Decimal) decimal.Decimal {
	if teamReserve.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return bridgeReserve.Div(teamReserve).Round(PriceScale)
}
