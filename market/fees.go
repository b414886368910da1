// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// FeePolicy prices the protocol fee on a settlement amount. The holder
// is the party whose discounts apply (the option buyer or seller).
type FeePolicy interface {
	Fee(amount *big.Int, holder common.Address) *big.Int
	Recipient() common.Address
}

// FeeDenominator is the precision of fee fractions (basis points).
const FeeDenominator = 10_000

var (
	ErrFeeFractionTooLarge = errors.New("fee fraction exceeds denominator")
	ErrFeeDiscountTooLarge = errors.New("fee discount exceeds fraction")
)

// FeeManager computes floor(amount * fraction / denominator), with the
// fraction reduced by a flat discount for holders of the badge token.
// Configuration is immutable after construction.
type FeeManager struct {
	fraction  uint64
	discount  uint64
	recipient common.Address

	// badge holders pay fraction - discount; nil badge disables discounts
	badge        ERC721
	badgeTokenID *big.Int
}

// NewFeeManager builds a fee policy. fraction and discount are in
// basis points of FeeDenominator.
func NewFeeManager(fraction, discount uint64, recipient common.Address, badge ERC721, badgeTokenID *big.Int) (*FeeManager, error) {
	if fraction > FeeDenominator {
		return nil, ErrFeeFractionTooLarge
	}
	if discount > fraction {
		return nil, ErrFeeDiscountTooLarge
	}
	return &FeeManager{
		fraction:     fraction,
		discount:     discount,
		recipient:    recipient,
		badge:        badge,
		badgeTokenID: badgeTokenID,
	}, nil
}

// Fee returns the protocol fee on [amount] for [holder].
// The result never exceeds amount.
func (f *FeeManager) Fee(amount *big.Int, holder common.Address) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	return fractionOf(amount, f.effectiveFraction(holder))
}

// Recipient returns the address fees are routed to.
func (f *FeeManager) Recipient() common.Address {
	return f.recipient
}

func (f *FeeManager) effectiveFraction(holder common.Address) uint64 {
	if f.badge == nil {
		return f.fraction
	}
	owner, err := f.badge.OwnerOf(f.badgeTokenID)
	if err != nil || owner != holder {
		return f.fraction
	}
	return f.fraction - f.discount
}

// TieredFeeManager consults an explicit per-address fraction table
// before falling back to the badge-discounted base policy.
type TieredFeeManager struct {
	*FeeManager
	overrides map[common.Address]uint64
}

// NewTieredFeeManager wraps [base] with per-address overrides. Override
// fractions above the denominator are rejected.
func NewTieredFeeManager(base *FeeManager, overrides map[common.Address]uint64) (*TieredFeeManager, error) {
	table := make(map[common.Address]uint64, len(overrides))
	for addr, fraction := range overrides {
		if fraction > FeeDenominator {
			return nil, ErrFeeFractionTooLarge
		}
		table[addr] = fraction
	}
	return &TieredFeeManager{FeeManager: base, overrides: table}, nil
}

// Fee returns the override fraction fee when [holder] is listed,
// otherwise the base policy fee.
func (t *TieredFeeManager) Fee(amount *big.Int, holder common.Address) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if fraction, ok := t.overrides[holder]; ok {
		return fractionOf(amount, fraction)
	}
	return t.FeeManager.Fee(amount, holder)
}

func fractionOf(amount *big.Int, fraction uint64) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(fraction))
	return fee.Div(fee, big.NewInt(FeeDenominator))
}
