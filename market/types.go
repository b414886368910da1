// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package market implements NFT option precompiles for Lux EVMs.
// Pools custody ERC721 collateral and write covered CALL/PUT options
// against it; a conduit settles signed off-chain orders, an option
// registry tracks the transferable option tokens, and a fee manager
// prices protocol fees on every settlement.
package market

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Precompile addresses for the options market family
// LP-aligned format: 0x0000000000000000000000000000000000LPNUM
const (
	PoolFactoryAddress    = "0x0000000000000000000000000000000000009210" // LP-9210 PoolFactory
	ConduitAddress        = "0x0000000000000000000000000000000000009211" // LP-9211 Conduit (order settlement)
	OptionRegistryAddress = "0x0000000000000000000000000000000000009212" // LP-9212 OptionRegistry (option tokens)
	FeeManagerAddress     = "0x0000000000000000000000000000000000009213" // LP-9213 FeeManager
)

// Gas costs for market operations
const (
	GasPoolCreate   uint64 = 50_000 // Create new option pool
	GasWriteOption  uint64 = 25_000 // Write an option against pool collateral
	GasExecute      uint64 = 25_000 // Exercise an option
	GasAcceptOrder  uint64 = 30_000 // Settle a signed bid or ask
	GasClearOption  uint64 = 8_000  // Clear one expired option
	GasCancelOrder  uint64 = 5_000  // Burn an order id
	GasOptionMint   uint64 = 15_000 // Mint option token
	GasOptionBurn   uint64 = 10_000 // Burn option token
	GasTransfer     uint64 = 10_000 // Transfer option token
	GasFeeQuote     uint64 = 2_000  // Fee computation
	GasPoolWithdraw uint64 = 15_000 // Withdraw pool assets
)

// OptionType distinguishes covered calls from cash-secured puts.
type OptionType uint8

const (
	OptionCall OptionType = iota
	OptionPut
)

func (t OptionType) String() string {
	if t == OptionPut {
		return "PUT"
	}
	return "CALL"
}

// OptionState is the lifecycle phase of an option record.
type OptionState uint8

const (
	OptionStateNone OptionState = iota
	OptionStateIssued
	OptionStateExecuted
	OptionStateCleared
)

// Currency represents a payment asset (native or ERC20)
// Address(0) represents native LUX
type Currency struct {
	Address common.Address
}

// NativeCurrency represents native LUX (no wrapping needed)
var NativeCurrency = Currency{Address: common.Address{}}

// IsNative returns true if this currency is native LUX
func (c Currency) IsNative() bool {
	return c.Address == common.Address{}
}

// ToBytes serializes currency for storage
func (c Currency) ToBytes() []byte {
	return c.Address.Bytes()
}

// CurrencyFromBytes deserializes currency from storage
func CurrencyFromBytes(data []byte) Currency {
	return Currency{Address: common.BytesToAddress(data)}
}

// OptionRecord is a pool's book entry for one issued option.
type OptionRecord struct {
	OptionID    uint64
	Type        OptionType
	StrikePrice *big.Int
	Premium     *big.Int
	Expiry      uint64   // option can be exercised while now < Expiry
	TokenID     *big.Int // collateral token-id (CALL) or deliverable token-id (PUT)
	State       OptionState
}

// Expired reports whether the option can no longer be exercised at [now].
func (r *OptionRecord) Expired(now uint64) bool {
	return now >= r.Expiry
}

// PoolAsk is a pool-signed offer to write a new option.
// Signed by the pool owner or admin; consumed once per (signer, ID).
type PoolAsk struct {
	ID          uint64
	Pool        common.Address
	Collection  common.Address
	OptionType  OptionType
	StrikePrice *big.Int
	Premium     *big.Int
	Expiry      uint64   // expiry of the option to be written
	TokenID     *big.Int // collateral token-id the option targets
	OrderExpiry uint64   // order is unusable once now >= OrderExpiry
}

// Ask is a holder-signed offer to sell an existing option token.
type Ask struct {
	ID           uint64
	OptionID     uint64
	Price        *big.Int
	Seller       common.Address
	PaymentAsset common.Address // zero = native
	OrderExpiry  uint64
}

// Bid is a buyer-signed request for an option with the given terms.
// ExpiryAllowance bounds how far the written option's expiry may deviate
// from the requested Expiry, in either direction.
type Bid struct {
	ID              uint64
	Price           *big.Int
	Buyer           common.Address
	PaymentAsset    common.Address // zero = native
	Collection      common.Address
	OptionType      OptionType
	StrikePrice     *big.Int
	Expiry          uint64
	ExpiryAllowance uint64
	OrderExpiry     uint64
}

// Errors - authorization and configuration
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotConfigured = errors.New("component not configured")
	ErrUnknownPool   = errors.New("pool not registered with factory")
	ErrReentrant     = errors.New("reentrancy detected")
)

// Errors - orders and settlement
var (
	ErrHasExpired          = errors.New("order or option has expired")
	ErrInvalidStrike       = errors.New("strike price must be positive")
	ErrInvalidPremium      = errors.New("premium must be positive")
	ErrInsufficientPremium = errors.New("payment does not cover premium")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInsufficientBalance = errors.New("insufficient pool balance")
	ErrInvalidSignature    = errors.New("invalid order signature")
	ErrOrderFinalized      = errors.New("order already finalized or cancelled")
	ErrOrderMismatch       = errors.New("order terms do not match pool")
)

// Errors - collateral and option tokens
var (
	ErrNftIsInvalid       = errors.New("token not available as collateral")
	ErrInvalidToken       = errors.New("unknown or burned option token")
	ErrOptionNotExpired   = errors.New("option has not expired")
	ErrTransferToZero     = errors.New("transfer to zero address")
	ErrMintNotAuthorized  = errors.New("minter not authorized")
	ErrApprovalNotGranted = errors.New("caller neither owner nor approved")
)
