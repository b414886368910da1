// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"
)

// Event topics emitted by pools and the conduit
var (
	eventOptionIssued   = common.Keccak256Hash([]byte("OptionIssued(address,uint256,uint256)"))
	eventOptionExecuted = common.Keccak256Hash([]byte("OptionExecuted(uint256)"))
	eventOptionCleared  = common.Keccak256Hash([]byte("OptionCleared(uint256)"))
	eventBidTaken       = common.Keccak256Hash([]byte("BidTaken(uint256,uint256,address)"))
	eventAskTaken       = common.Keccak256Hash([]byte("AskTaken(uint256,uint256,address)"))
	eventAdminChanged   = common.Keccak256Hash([]byte("AdminChanged(address)"))
	eventWithdrawal     = common.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
)

// Storage slot prefixes (slots live under each pool's own address)
var (
	slotAvailable = makeStorageKey("pool/available")
	slotReserved  = makeStorageKey("pool/reserved")
	slotAdmin     = makeStorageKey("pool/admin")
)

// Pool custodies tokens of a single ERC721 collection plus one payment
// asset, and writes covered options against that inventory. A token is
// either available or locked under exactly one ISSUED option; PUT
// obligations reserve strike payment out of availableBalance instead.
//
// Orders signed by the pool principal are single-use through the shared
// OrderLedger, so direct settlement and conduit settlement burn the
// same (signer, id) slot.
type Pool struct {
	mu     sync.Mutex
	locked bool // reentrancy guard

	address    common.Address
	owner      common.Address
	admin      common.Address
	collection common.Address
	nft        ERC721
	currency   Currency
	token      ERC20 // nil for native pools

	registry *OptionRegistry
	ledger   *OrderLedger
	domain   SigningDomain
	log      log.Logger

	// availableBalance is payment not reserved for PUT obligations;
	// reserved covers strike payouts of outstanding PUTs
	availableBalance *big.Int
	reserved         *big.Int

	lockedTokens map[common.Hash]bool // keyed by BigToHash(tokenID)
	options      map[uint64]*OptionRecord
}

func newPool(
	address, owner, collection common.Address,
	nft ERC721,
	currency Currency,
	token ERC20,
	registry *OptionRegistry,
	ledger *OrderLedger,
	domain SigningDomain,
	logger log.Logger,
) *Pool {
	return &Pool{
		address:          address,
		owner:            owner,
		collection:       collection,
		nft:              nft,
		currency:         currency,
		token:            token,
		registry:         registry,
		ledger:           ledger,
		domain:           domain,
		log:              logger,
		availableBalance: big.NewInt(0),
		reserved:         big.NewInt(0),
		lockedTokens:     make(map[common.Hash]bool),
		options:          make(map[uint64]*OptionRecord),
	}
}

// enter acquires the pool for a mutating operation. The mutex guards
// only the flag itself, so a reentrant call arriving from an external
// token callback observes locked and fails instead of blocking.
func (p *Pool) enter() error {
	p.mu.Lock()
	if p.locked {
		p.mu.Unlock()
		return ErrReentrant
	}
	p.locked = true
	p.mu.Unlock()
	return nil
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.locked = false
	p.mu.Unlock()
}

// =========================================================================
// Views
// =========================================================================

func (p *Pool) Address() common.Address    { return p.address }
func (p *Pool) Owner() common.Address      { return p.owner }
func (p *Pool) Collection() common.Address { return p.collection }
func (p *Pool) Currency() Currency         { return p.currency }

// Admin returns the delegated admin, zero when none is set.
func (p *Pool) Admin() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admin
}

// AvailableBalance returns payment not reserved for obligations.
func (p *Pool) AvailableBalance() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.availableBalance)
}

// ReservedBalance returns payment reserved for outstanding PUTs.
func (p *Pool) ReservedBalance() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.reserved)
}

// IsLocked reports whether [tokenID] backs an outstanding option.
func (p *Pool) IsLocked(tokenID *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedTokens[common.BigToHash(tokenID)]
}

// GetOption returns a copy of the book entry for option [id].
func (p *Pool) GetOption(id uint64) (OptionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.options[id]
	if !ok {
		return OptionRecord{}, false
	}
	out := *rec
	out.StrikePrice = new(big.Int).Set(rec.StrikePrice)
	out.Premium = new(big.Int).Set(rec.Premium)
	out.TokenID = new(big.Int).Set(rec.TokenID)
	return out, true
}

// =========================================================================
// Administration
// =========================================================================

// SetAdmin delegates pool operation to [admin]. Owner only.
func (p *Pool) SetAdmin(stateDB StateDB, caller, admin common.Address) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	if caller != p.owner {
		return ErrUnauthorized
	}
	p.admin = admin
	stateDB.SetState(p.address, slotAdmin, common.BytesToHash(admin.Bytes()))
	p.emit(stateDB, eventAdminChanged, common.BytesToHash(admin.Bytes()))
	return nil
}

// RemoveAdmin clears the delegated admin. Owner only.
func (p *Pool) RemoveAdmin(stateDB StateDB, caller common.Address) error {
	return p.SetAdmin(stateDB, caller, common.Address{})
}

// isPrincipal requires the pool guard held.
func (p *Pool) isPrincipal(addr common.Address) bool {
	if addr == p.owner {
		return true
	}
	return p.admin != (common.Address{}) && addr == p.admin
}

// =========================================================================
// Writing options
// =========================================================================

// WriteOption settles a signed PoolAsk directly against the pool: the
// buyer pays the full premium and receives the minted option id.
func (p *Pool) WriteOption(stateDB StateDB, buyer common.Address, order *PoolAsk, sig []byte, payment *big.Int) (uint64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.exit()
	if order.Premium == nil || payment == nil || payment.Cmp(order.Premium) != 0 {
		return 0, ErrInsufficientPremium
	}
	return p.fulfillAsk(stateDB, buyer, order, sig, buyer, big.NewInt(0), common.Address{})
}

// FulfillAsk settles a PoolAsk on behalf of the conduit: [payer] funds
// the full premium, [fee] of which routes to [feeRecipient] while the
// option mints to [buyer].
func (p *Pool) FulfillAsk(stateDB StateDB, buyer common.Address, order *PoolAsk, sig []byte, payer common.Address, fee *big.Int, feeRecipient common.Address) (uint64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.exit()
	return p.fulfillAsk(stateDB, buyer, order, sig, payer, fee, feeRecipient)
}

// fulfillAsk requires the pool guard held. Every check precedes every
// mutation, and the order slot is consumed only once settlement can no
// longer fail.
func (p *Pool) fulfillAsk(stateDB StateDB, buyer common.Address, order *PoolAsk, sig []byte, payer common.Address, fee *big.Int, feeRecipient common.Address) (uint64, error) {
	if order.Pool != p.address || order.Collection != p.collection {
		return 0, ErrOrderMismatch
	}
	now := stateDB.GetTimestamp()
	if now >= order.OrderExpiry {
		return 0, ErrHasExpired
	}
	if order.Expiry <= now {
		return 0, ErrHasExpired
	}
	if order.StrikePrice == nil || order.StrikePrice.Sign() <= 0 {
		return 0, ErrInvalidStrike
	}
	if order.Premium == nil || order.Premium.Sign() <= 0 {
		return 0, ErrInvalidPremium
	}
	if order.TokenID == nil {
		return 0, ErrNftIsInvalid
	}
	if fee == nil || fee.Sign() < 0 || fee.Cmp(order.Premium) > 0 {
		return 0, ErrInsufficientPremium
	}
	signer, err := RecoverSigner(HashPoolAsk(p.domain, order), sig)
	if err != nil {
		return 0, err
	}
	if !p.isPrincipal(signer) {
		return 0, ErrInvalidSignature
	}
	used, err := p.ledger.IsUsed(signer, order.ID)
	if err != nil {
		return 0, fmt.Errorf("order ledger: %w", err)
	}
	if used {
		return 0, ErrOrderFinalized
	}
	if paymentBalance(stateDB, p.token, payer).Cmp(order.Premium) < 0 {
		return 0, ErrInsufficientPremium
	}
	if !p.registry.IsAuthorizedMinter(p.address) {
		return 0, ErrMintNotAuthorized
	}
	if err := p.checkCollateral(order.OptionType, order.TokenID, order.StrikePrice); err != nil {
		return 0, err
	}

	net := new(big.Int).Sub(order.Premium, fee)
	if err := transferPayment(stateDB, p.token, payer, p.address, net); err != nil {
		return 0, err
	}
	if fee.Sign() > 0 {
		if err := transferPayment(stateDB, p.token, payer, feeRecipient, fee); err != nil {
			transferPayment(stateDB, p.token, p.address, payer, net)
			return 0, err
		}
	}
	if err := p.ledger.MarkUsed(signer, order.ID); err != nil {
		p.refundPayment(stateDB, payer, feeRecipient, net, fee)
		return 0, fmt.Errorf("order ledger: %w", err)
	}
	optionID, err := p.registry.Mint(stateDB, p.address, buyer)
	if err != nil {
		p.ledger.Release(signer, order.ID)
		p.refundPayment(stateDB, payer, feeRecipient, net, fee)
		return 0, err
	}
	p.takeCollateral(stateDB, order.OptionType, order.TokenID, order.StrikePrice)
	p.availableBalance.Add(p.availableBalance, net)
	p.options[optionID] = &OptionRecord{
		OptionID:    optionID,
		Type:        order.OptionType,
		StrikePrice: new(big.Int).Set(order.StrikePrice),
		Premium:     new(big.Int).Set(order.Premium),
		Expiry:      order.Expiry,
		TokenID:     new(big.Int).Set(order.TokenID),
		State:       OptionStateIssued,
	}
	p.persistBalances(stateDB)
	p.emit(stateDB, eventOptionIssued,
		common.BytesToHash(buyer.Bytes()),
		common.BigToHash(new(big.Int).SetUint64(optionID)),
		common.BigToHash(order.Premium),
	)
	p.log.Debug("option issued",
		"pool", p.address,
		"option", optionID,
		"type", order.OptionType.String(),
		"buyer", buyer,
	)
	return optionID, nil
}

// refundPayment unwinds a premium split after a later settlement step
// fails: [net] returns to [payer] from the pool and [fee] from
// [feeRecipient]. Refund sources hold exactly what was just moved.
func (p *Pool) refundPayment(stateDB StateDB, payer, feeRecipient common.Address, net, fee *big.Int) {
	transferPayment(stateDB, p.token, p.address, payer, net)
	if fee.Sign() > 0 {
		transferPayment(stateDB, p.token, feeRecipient, payer, fee)
	}
}

// reclaimPayment pulls a buy-back payout back into the pool after a
// later settlement step fails.
func (p *Pool) reclaimPayment(stateDB StateDB, seller, feeRecipient common.Address, net, fee *big.Int) {
	transferPayment(stateDB, p.token, seller, p.address, net)
	if fee.Sign() > 0 {
		transferPayment(stateDB, p.token, feeRecipient, p.address, fee)
	}
}

// checkCollateral requires the pool guard held.
func (p *Pool) checkCollateral(optionType OptionType, tokenID, strike *big.Int) error {
	switch optionType {
	case OptionCall:
		if p.lockedTokens[common.BigToHash(tokenID)] {
			return ErrNftIsInvalid
		}
		owner, err := p.nft.OwnerOf(tokenID)
		if err != nil || owner != p.address {
			return ErrNftIsInvalid
		}
	case OptionPut:
		if p.availableBalance.Cmp(strike) < 0 {
			return ErrInsufficientBalance
		}
	}
	return nil
}

// takeCollateral requires the pool guard held and checkCollateral passed.
func (p *Pool) takeCollateral(stateDB StateDB, optionType OptionType, tokenID, strike *big.Int) {
	switch optionType {
	case OptionCall:
		p.setTokenLocked(stateDB, tokenID, true)
	case OptionPut:
		p.availableBalance.Sub(p.availableBalance, strike)
		p.reserved.Add(p.reserved, strike)
	}
}

// releaseCollateral requires the pool guard held.
func (p *Pool) releaseCollateral(stateDB StateDB, rec *OptionRecord) {
	switch rec.Type {
	case OptionCall:
		p.setTokenLocked(stateDB, rec.TokenID, false)
	case OptionPut:
		p.reserved.Sub(p.reserved, rec.StrikePrice)
		p.availableBalance.Add(p.availableBalance, rec.StrikePrice)
	}
}

// =========================================================================
// Exercise
// =========================================================================

// ExecuteOption exercises option [optionID] for its current holder.
// CALL: holder pays strike, receives the locked token. PUT: holder
// delivers the token, receives strike from the reserved balance.
func (p *Pool) ExecuteOption(stateDB StateDB, caller common.Address, optionID uint64, payment *big.Int) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()

	rec, ok := p.options[optionID]
	if !ok {
		return ErrInvalidToken
	}
	holder, err := p.registry.OwnerOf(new(big.Int).SetUint64(optionID))
	if err != nil {
		return err
	}
	if caller != holder {
		return ErrUnauthorized
	}
	now := stateDB.GetTimestamp()
	if rec.Expired(now) {
		return ErrHasExpired
	}

	switch rec.Type {
	case OptionCall:
		if payment == nil || payment.Cmp(rec.StrikePrice) != 0 {
			return ErrInsufficientPayment
		}
		if paymentBalance(stateDB, p.token, caller).Cmp(rec.StrikePrice) < 0 {
			return ErrInsufficientPayment
		}
		if err := transferPayment(stateDB, p.token, caller, p.address, rec.StrikePrice); err != nil {
			return err
		}
		if err := p.nft.TransferFrom(p.address, caller, rec.TokenID); err != nil {
			transferPayment(stateDB, p.token, p.address, caller, rec.StrikePrice)
			return err
		}
		if err := p.registry.Burn(stateDB, p.address, optionID); err != nil {
			return err
		}
		p.setTokenLocked(stateDB, rec.TokenID, false)
		p.availableBalance.Add(p.availableBalance, rec.StrikePrice)
	case OptionPut:
		tokenOwner, err := p.nft.OwnerOf(rec.TokenID)
		if err != nil || tokenOwner != caller {
			return ErrNftIsInvalid
		}
		if err := transferPayment(stateDB, p.token, p.address, caller, rec.StrikePrice); err != nil {
			return err
		}
		if err := p.nft.TransferFrom(caller, p.address, rec.TokenID); err != nil {
			transferPayment(stateDB, p.token, caller, p.address, rec.StrikePrice)
			return err
		}
		if err := p.registry.Burn(stateDB, p.address, optionID); err != nil {
			return err
		}
		p.reserved.Sub(p.reserved, rec.StrikePrice)
	}

	rec.State = OptionStateExecuted
	delete(p.options, optionID)
	p.persistBalances(stateDB)
	p.emit(stateDB, eventOptionExecuted, common.BigToHash(new(big.Int).SetUint64(optionID)))
	p.log.Debug("option executed", "pool", p.address, "option", optionID, "holder", caller)
	return nil
}

// =========================================================================
// Order acceptance (pool side)
// =========================================================================

// AcceptBid writes a new option against a buyer-signed bid. The pool
// principal chooses [tokenID] (CALL collateral or PUT deliverable) and
// [expiry], which must sit within the bid's expiry allowance.
func (p *Pool) AcceptBid(stateDB StateDB, caller common.Address, bid *Bid, sig []byte, tokenID *big.Int, expiry uint64) (uint64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.exit()
	return p.acceptBid(stateDB, caller, bid, sig, tokenID, expiry, big.NewInt(0), common.Address{})
}

// AcceptBidWithFee is the conduit entry: [fee] out of the bid price is
// routed to [feeRecipient] instead of the pool.
func (p *Pool) AcceptBidWithFee(stateDB StateDB, caller common.Address, bid *Bid, sig []byte, tokenID *big.Int, expiry uint64, fee *big.Int, feeRecipient common.Address) (uint64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.exit()
	return p.acceptBid(stateDB, caller, bid, sig, tokenID, expiry, fee, feeRecipient)
}

func (p *Pool) acceptBid(stateDB StateDB, caller common.Address, bid *Bid, sig []byte, tokenID *big.Int, expiry uint64, fee *big.Int, feeRecipient common.Address) (uint64, error) {
	if !p.isPrincipal(caller) {
		return 0, ErrUnauthorized
	}
	if bid.Collection != p.collection || bid.PaymentAsset != p.currency.Address {
		return 0, ErrOrderMismatch
	}
	now := stateDB.GetTimestamp()
	if now >= bid.OrderExpiry {
		return 0, ErrHasExpired
	}
	if expiry <= now {
		return 0, ErrHasExpired
	}
	if !withinAllowance(expiry, bid.Expiry, bid.ExpiryAllowance) {
		return 0, ErrOrderMismatch
	}
	if bid.StrikePrice == nil || bid.StrikePrice.Sign() <= 0 {
		return 0, ErrInvalidStrike
	}
	if bid.Price == nil || bid.Price.Sign() <= 0 {
		return 0, ErrInvalidPremium
	}
	if tokenID == nil {
		return 0, ErrNftIsInvalid
	}
	if fee.Cmp(bid.Price) > 0 {
		return 0, ErrInsufficientPremium
	}
	signer, err := RecoverSigner(HashBid(p.domain, bid), sig)
	if err != nil {
		return 0, err
	}
	if signer != bid.Buyer {
		return 0, ErrInvalidSignature
	}
	used, err := p.ledger.IsUsed(bid.Buyer, bid.ID)
	if err != nil {
		return 0, fmt.Errorf("order ledger: %w", err)
	}
	if used {
		return 0, ErrOrderFinalized
	}
	if paymentBalance(stateDB, p.token, bid.Buyer).Cmp(bid.Price) < 0 {
		return 0, ErrInsufficientPayment
	}
	if !p.registry.IsAuthorizedMinter(p.address) {
		return 0, ErrMintNotAuthorized
	}
	if err := p.checkCollateral(bid.OptionType, tokenID, bid.StrikePrice); err != nil {
		return 0, err
	}

	net := new(big.Int).Sub(bid.Price, fee)
	if err := transferPayment(stateDB, p.token, bid.Buyer, p.address, net); err != nil {
		return 0, err
	}
	if fee.Sign() > 0 {
		if err := transferPayment(stateDB, p.token, bid.Buyer, feeRecipient, fee); err != nil {
			transferPayment(stateDB, p.token, p.address, bid.Buyer, net)
			return 0, err
		}
	}
	if err := p.ledger.MarkUsed(bid.Buyer, bid.ID); err != nil {
		p.refundPayment(stateDB, bid.Buyer, feeRecipient, net, fee)
		return 0, fmt.Errorf("order ledger: %w", err)
	}
	optionID, err := p.registry.Mint(stateDB, p.address, bid.Buyer)
	if err != nil {
		p.ledger.Release(bid.Buyer, bid.ID)
		p.refundPayment(stateDB, bid.Buyer, feeRecipient, net, fee)
		return 0, err
	}
	p.takeCollateral(stateDB, bid.OptionType, tokenID, bid.StrikePrice)
	p.availableBalance.Add(p.availableBalance, net)
	p.options[optionID] = &OptionRecord{
		OptionID:    optionID,
		Type:        bid.OptionType,
		StrikePrice: new(big.Int).Set(bid.StrikePrice),
		Premium:     new(big.Int).Set(bid.Price),
		Expiry:      expiry,
		TokenID:     new(big.Int).Set(tokenID),
		State:       OptionStateIssued,
	}
	p.persistBalances(stateDB)
	p.emit(stateDB, eventOptionIssued,
		common.BytesToHash(bid.Buyer.Bytes()),
		common.BigToHash(new(big.Int).SetUint64(optionID)),
		common.BigToHash(bid.Price),
	)
	p.emit(stateDB, eventBidTaken,
		common.BigToHash(new(big.Int).SetUint64(bid.ID)),
		common.BigToHash(new(big.Int).SetUint64(optionID)),
		common.BytesToHash(bid.Buyer.Bytes()),
	)
	p.log.Debug("bid accepted", "pool", p.address, "bid", bid.ID, "option", optionID)
	return optionID, nil
}

// AcceptAsk buys back an option token offered by its holder, paying
// out of availableBalance. An option this pool wrote is burned and its
// collateral released; a foreign option transfers to the caller.
func (p *Pool) AcceptAsk(stateDB StateDB, caller common.Address, ask *Ask, sig []byte) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	return p.acceptAsk(stateDB, caller, ask, sig, big.NewInt(0), common.Address{})
}

// AcceptAskWithFee is the conduit entry: [fee] out of the ask price is
// routed to [feeRecipient] instead of the seller.
func (p *Pool) AcceptAskWithFee(stateDB StateDB, caller common.Address, ask *Ask, sig []byte, fee *big.Int, feeRecipient common.Address) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	return p.acceptAsk(stateDB, caller, ask, sig, fee, feeRecipient)
}

func (p *Pool) acceptAsk(stateDB StateDB, caller common.Address, ask *Ask, sig []byte, fee *big.Int, feeRecipient common.Address) error {
	if !p.isPrincipal(caller) {
		return ErrUnauthorized
	}
	if ask.PaymentAsset != p.currency.Address {
		return ErrOrderMismatch
	}
	now := stateDB.GetTimestamp()
	if now >= ask.OrderExpiry {
		return ErrHasExpired
	}
	if ask.Price == nil || ask.Price.Sign() <= 0 {
		return ErrInvalidPremium
	}
	if fee.Cmp(ask.Price) > 0 {
		return ErrInsufficientPayment
	}
	signer, err := RecoverSigner(HashAsk(p.domain, ask), sig)
	if err != nil {
		return err
	}
	if signer != ask.Seller {
		return ErrInvalidSignature
	}
	used, err := p.ledger.IsUsed(ask.Seller, ask.ID)
	if err != nil {
		return fmt.Errorf("order ledger: %w", err)
	}
	if used {
		return ErrOrderFinalized
	}
	holder, err := p.registry.OwnerOf(new(big.Int).SetUint64(ask.OptionID))
	if err != nil {
		return err
	}
	if holder != ask.Seller {
		return ErrUnauthorized
	}
	if p.availableBalance.Cmp(ask.Price) < 0 {
		return ErrInsufficientBalance
	}

	net := new(big.Int).Sub(ask.Price, fee)
	if err := transferPayment(stateDB, p.token, p.address, ask.Seller, net); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := transferPayment(stateDB, p.token, p.address, feeRecipient, fee); err != nil {
			transferPayment(stateDB, p.token, ask.Seller, p.address, net)
			return err
		}
	}
	if err := p.ledger.MarkUsed(ask.Seller, ask.ID); err != nil {
		p.reclaimPayment(stateDB, ask.Seller, feeRecipient, net, fee)
		return fmt.Errorf("order ledger: %w", err)
	}
	if rec, mine := p.options[ask.OptionID]; mine {
		// buying back our own option closes the position
		if err := p.registry.Burn(stateDB, p.address, ask.OptionID); err != nil {
			p.ledger.Release(ask.Seller, ask.ID)
			p.reclaimPayment(stateDB, ask.Seller, feeRecipient, net, fee)
			return err
		}
		p.releaseCollateral(stateDB, rec)
		rec.State = OptionStateCleared
		delete(p.options, ask.OptionID)
	} else {
		if err := p.registry.TransferFrom(ask.Seller, caller, new(big.Int).SetUint64(ask.OptionID)); err != nil {
			p.ledger.Release(ask.Seller, ask.ID)
			p.reclaimPayment(stateDB, ask.Seller, feeRecipient, net, fee)
			return err
		}
	}
	p.availableBalance.Sub(p.availableBalance, ask.Price)
	p.persistBalances(stateDB)
	p.emit(stateDB, eventAskTaken,
		common.BigToHash(new(big.Int).SetUint64(ask.ID)),
		common.BigToHash(new(big.Int).SetUint64(ask.OptionID)),
		common.BytesToHash(ask.Seller.Bytes()),
	)
	p.log.Debug("ask accepted", "pool", p.address, "ask", ask.ID, "option", ask.OptionID)
	return nil
}

// =========================================================================
// Clearing and withdrawals
// =========================================================================

// ClearExpiredOptions burns expired options and releases their
// collateral. An empty [ids] clears every expired option. Unknown or
// unexpired ids are skipped, so repeated calls are no-ops.
func (p *Pool) ClearExpiredOptions(stateDB StateDB, caller common.Address, ids []uint64) ([]uint64, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.exit()
	if !p.isPrincipal(caller) {
		return nil, ErrUnauthorized
	}

	if len(ids) == 0 {
		ids = make([]uint64, 0, len(p.options))
		for id := range p.options {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	now := stateDB.GetTimestamp()
	cleared := make([]uint64, 0, len(ids))
	for _, id := range ids {
		rec, ok := p.options[id]
		if !ok || !rec.Expired(now) {
			continue
		}
		if err := p.registry.Burn(stateDB, p.address, id); err != nil {
			return cleared, err
		}
		p.releaseCollateral(stateDB, rec)
		rec.State = OptionStateCleared
		delete(p.options, id)
		p.emit(stateDB, eventOptionCleared, common.BigToHash(new(big.Int).SetUint64(id)))
		cleared = append(cleared, id)
	}
	if len(cleared) > 0 {
		p.persistBalances(stateDB)
		p.log.Debug("expired options cleared", "pool", p.address, "count", len(cleared))
	}
	return cleared, nil
}

// Deposit funds the pool's availableBalance from [caller], typically
// to collateralize PUT writing.
func (p *Pool) Deposit(stateDB StateDB, caller common.Address, amount *big.Int) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInsufficientPayment
	}
	if err := transferPayment(stateDB, p.token, caller, p.address, amount); err != nil {
		return err
	}
	p.availableBalance.Add(p.availableBalance, amount)
	p.persistBalances(stateDB)
	return nil
}

// WithdrawPayment moves [amount] of unreserved payment to the owner.
func (p *Pool) WithdrawPayment(stateDB StateDB, caller common.Address, amount *big.Int) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	if caller != p.owner {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInsufficientPayment
	}
	if p.availableBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	p.availableBalance.Sub(p.availableBalance, amount)
	if err := transferPayment(stateDB, p.token, p.address, p.owner, amount); err != nil {
		return err
	}
	p.persistBalances(stateDB)
	p.emit(stateDB, eventWithdrawal, common.BytesToHash(p.owner.Bytes()), common.BigToHash(amount))
	return nil
}

// WithdrawERC721 returns custodied tokens to the owner. Tokens of the
// pool's collection that back outstanding options cannot leave.
func (p *Pool) WithdrawERC721(stateDB StateDB, caller common.Address, collection ERC721, tokenIDs []*big.Int) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()
	if caller != p.owner {
		return ErrUnauthorized
	}
	if collection == p.nft {
		for _, tokenID := range tokenIDs {
			if p.lockedTokens[common.BigToHash(tokenID)] {
				return ErrNftIsInvalid
			}
		}
	}
	for _, tokenID := range tokenIDs {
		if err := collection.TransferFrom(p.address, p.owner, tokenID); err != nil {
			return err
		}
	}
	return nil
}

// =========================================================================
// Internal state helpers
// =========================================================================

// setTokenLocked requires the pool guard held.
func (p *Pool) setTokenLocked(stateDB StateDB, tokenID *big.Int, locked bool) {
	key := common.BigToHash(tokenID)
	if locked {
		p.lockedTokens[key] = true
	} else {
		delete(p.lockedTokens, key)
	}
	flag := common.Hash{}
	if locked {
		flag = common.BigToHash(big.NewInt(1))
	}
	stateDB.SetState(p.address, makeStorageKey("pool/lock", key.Bytes()), flag)
}

// persistBalances requires the pool guard held.
func (p *Pool) persistBalances(stateDB StateDB) {
	stateDB.SetState(p.address, slotAvailable, common.BigToHash(p.availableBalance))
	stateDB.SetState(p.address, slotReserved, common.BigToHash(p.reserved))
}

func (p *Pool) emit(stateDB StateDB, topic common.Hash, args ...common.Hash) {
	topics := append([]common.Hash{topic}, args...)
	stateDB.AddLog(&ethtypes.Log{Address: p.address, Topics: topics})
}

func withinAllowance(expiry, target, allowance uint64) bool {
	if expiry >= target {
		return expiry-target <= allowance
	}
	return target-expiry <= allowance
}
