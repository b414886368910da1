// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/tracing"
	ethtypes "github.com/luxfi/geth/core/types"
	"github.com/zeebo/blake3"
)

// StateDB is the ledger interface market components operate on.
// Balances are native LUX; storage slots persist pool bookkeeping so a
// re-instantiated pool observes prior on-ledger state.
type StateDB interface {
	GetState(common.Address, common.Hash) common.Hash
	SetState(common.Address, common.Hash, common.Hash) common.Hash

	GetBalance(common.Address) *uint256.Int
	AddBalance(common.Address, *uint256.Int, tracing.BalanceChangeReason) uint256.Int
	SubBalance(common.Address, *uint256.Int, tracing.BalanceChangeReason) uint256.Int

	// GetTimestamp returns the ledger time used for expiry checks.
	GetTimestamp() uint64

	AddLog(*ethtypes.Log)
	Exist(common.Address) bool
	CreateAccount(common.Address)
}

// ERC721 is the collection interface consumed at the custody boundary.
// The option registry itself satisfies it so option tokens can be held
// and moved like any other collection token.
type ERC721 interface {
	OwnerOf(tokenID *big.Int) (common.Address, error)
	TransferFrom(from, to common.Address, tokenID *big.Int) error
}

// ERC20 is the payment-asset interface for non-native pools.
// TransferFrom follows standard approval semantics: the market
// precompiles are assumed approved operators for their users.
type ERC20 interface {
	BalanceOf(account common.Address) *big.Int
	TransferFrom(from, to common.Address, amount *big.Int) error
}

// makeStorageKey derives a storage slot from a prefix and key parts.
func makeStorageKey(prefix string, parts ...[]byte) common.Hash {
	h := blake3.New()
	h.Write([]byte(prefix))
	for _, part := range parts {
		h.Write(part)
	}
	var out [32]byte
	h.Digest().Read(out[:])
	return common.BytesToHash(out[:])
}

// transferNative moves native balance, failing before any mutation if
// [from] cannot cover [amount].
func transferNative(stateDB StateDB, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrInsufficientPayment
	}
	if stateDB.GetBalance(from).Cmp(value) < 0 {
		return ErrInsufficientPayment
	}
	stateDB.SubBalance(from, value, tracing.BalanceChangeTransfer)
	stateDB.AddBalance(to, value, tracing.BalanceChangeTransfer)
	return nil
}

// transferPayment moves [amount] of the pool's payment asset. A nil
// token means the native currency.
func transferPayment(stateDB StateDB, token ERC20, from, to common.Address, amount *big.Int) error {
	if token == nil {
		return transferNative(stateDB, from, to, amount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	if token.BalanceOf(from).Cmp(amount) < 0 {
		return ErrInsufficientPayment
	}
	return token.TransferFrom(from, to, amount)
}

// paymentBalance reports the spendable payment-asset balance of [account].
func paymentBalance(stateDB StateDB, token ERC20, account common.Address) *big.Int {
	if token == nil {
		return stateDB.GetBalance(account).ToBig()
	}
	return token.BalanceOf(account)
}
