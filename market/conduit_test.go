// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/options/modules"
)

// default suite config routes a 2% fee to the blackhole address

func TestConduitBuyOption(t *testing.T) {
	tm := newTestMarket(t)
	tokenID := tm.depositCollateral(1)
	setBalance(tm.stateDB, tm.buyer.addr, 200)

	order := tm.poolAsk(1, tokenID, 100, 150)
	sig := tm.signPoolAsk(t, order)

	optionID, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, order, sig)
	if err != nil {
		t.Fatalf("buy option: %v", err)
	}
	holder, _ := tm.suite.Registry.OwnerOf(new(big.Int).SetUint64(optionID))
	if holder != tm.buyer.addr {
		t.Fatalf("option holder = %s, want buyer", holder)
	}
	if got := nativeBalance(tm.stateDB, tm.buyer.addr); got.Cmp(bigInt(100)) != 0 {
		t.Fatalf("buyer balance = %s, want 100", got)
	}
	// fee is routed out of the premium before crediting the pool
	if got := tm.pool.AvailableBalance(); got.Cmp(bigInt(98)) != 0 {
		t.Fatalf("pool available = %s, want 98", got)
	}
	if got := nativeBalance(tm.stateDB, modules.BlackholeAddr); got.Cmp(bigInt(2)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 2", got)
	}

	if _, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, order, sig); err != ErrOrderFinalized {
		t.Fatalf("replay: got %v, want %v", err, ErrOrderFinalized)
	}
}

func TestConduitRejectsUnknownPool(t *testing.T) {
	tm := newTestMarket(t)
	order := tm.poolAsk(1, bigInt(1), 100, 150)
	order.Pool = common.HexToAddress("0x123456")
	sig := tm.signPoolAsk(t, order)

	if _, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, order, sig); err != ErrUnknownPool {
		t.Fatalf("got %v, want %v", err, ErrUnknownPool)
	}
}

func TestConduitReplayAcrossPayloads(t *testing.T) {
	tm := newTestMarket(t)
	first := tm.depositCollateral(1)
	second := tm.depositCollateral(2)
	setBalance(tm.stateDB, tm.buyer.addr, 500)

	order := tm.poolAsk(5, first, 100, 150)
	if _, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, order, tm.signPoolAsk(t, order)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// same (signer, id) with a different token must abort
	other := tm.poolAsk(5, second, 100, 150)
	if _, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, other, tm.signPoolAsk(t, other)); err != ErrOrderFinalized {
		t.Fatalf("payload swap replay: got %v, want %v", err, ErrOrderFinalized)
	}
}

func TestCancelOrder(t *testing.T) {
	tm := newTestMarket(t)
	tokenID := tm.depositCollateral(1)
	setBalance(tm.stateDB, tm.buyer.addr, 200)

	if err := tm.suite.Conduit.CancelOrder(tm.stateDB, tm.owner.addr, 9); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := tm.suite.Conduit.CancelOrder(tm.stateDB, tm.owner.addr, 9); err != ErrOrderFinalized {
		t.Fatalf("double cancel: got %v, want %v", err, ErrOrderFinalized)
	}

	order := tm.poolAsk(9, tokenID, 100, 150)
	sig := tm.signPoolAsk(t, order)
	if _, err := tm.suite.Conduit.BuyOption(tm.stateDB, tm.buyer.addr, order, sig); err != ErrOrderFinalized {
		t.Fatalf("cancelled order settled: got %v, want %v", err, ErrOrderFinalized)
	}

	// cancellation is per signer: the buyer's id 9 slot is untouched
	if err := tm.suite.Conduit.CancelOrder(tm.stateDB, tm.buyer.addr, 9); err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
}

func TestConduitAcceptBid(t *testing.T) {
	tm := newTestMarket(t)
	tokenID := tm.depositCollateral(3)
	setBalance(tm.stateDB, tm.buyer.addr, 200)

	bid := &Bid{
		ID:              7,
		Price:           bigInt(100),
		Buyer:           tm.buyer.addr,
		Collection:      tm.collection,
		OptionType:      OptionCall,
		StrikePrice:     bigInt(150),
		Expiry:          tm.stateDB.now + 3_600,
		ExpiryAllowance: 600,
		OrderExpiry:     tm.stateDB.now + 600,
	}
	sig := tm.buyer.sign(t, HashBid(DefaultDomain, bid))

	optionID, err := tm.suite.Conduit.AcceptBid(tm.stateDB, tm.owner.addr, tm.pool.Address(), bid, sig, tokenID, bid.Expiry)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	holder, _ := tm.suite.Registry.OwnerOf(new(big.Int).SetUint64(optionID))
	if holder != tm.buyer.addr {
		t.Fatalf("option holder = %s, want buyer", holder)
	}
	if got := tm.pool.AvailableBalance(); got.Cmp(bigInt(98)) != 0 {
		t.Fatalf("pool available = %s, want 98", got)
	}
	if got := nativeBalance(tm.stateDB, modules.BlackholeAddr); got.Cmp(bigInt(2)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 2", got)
	}
	if got := nativeBalance(tm.stateDB, tm.buyer.addr); got.Cmp(bigInt(100)) != 0 {
		t.Fatalf("buyer balance = %s, want 100", got)
	}
}

func TestConduitAcceptAsk(t *testing.T) {
	tm := newTestMarket(t)
	tokenID := tm.depositCollateral(1)
	setBalance(tm.stateDB, tm.owner.addr, 300)
	setBalance(tm.stateDB, tm.buyer.addr, 100)

	order := tm.poolAsk(1, tokenID, 1, 10)
	optionID, err := tm.pool.WriteOption(tm.stateDB, tm.buyer.addr, order, tm.signPoolAsk(t, order), bigInt(1))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tm.pool.Deposit(tm.stateDB, tm.owner.addr, bigInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ask := &Ask{
		ID:          4,
		OptionID:    optionID,
		Price:       bigInt(100),
		Seller:      tm.buyer.addr,
		OrderExpiry: tm.stateDB.now + 600,
	}
	sig := tm.buyer.sign(t, HashAsk(DefaultDomain, ask))

	if err := tm.suite.Conduit.AcceptAsk(tm.stateDB, tm.owner.addr, tm.pool.Address(), ask, sig); err != nil {
		t.Fatalf("accept ask: %v", err)
	}
	// seller nets price minus fee; pool pays the full price
	if got := nativeBalance(tm.stateDB, tm.buyer.addr); got.Cmp(bigInt(197)) != 0 {
		t.Fatalf("seller balance = %s, want 197", got)
	}
	if got := nativeBalance(tm.stateDB, modules.BlackholeAddr); got.Cmp(bigInt(2)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 2", got)
	}
	if got := tm.pool.AvailableBalance(); got.Cmp(bigInt(101)) != 0 {
		t.Fatalf("pool available = %s, want 101", got)
	}
	if tm.pool.IsLocked(tokenID) {
		t.Fatal("collateral still locked after buy-back")
	}
}

func TestConduitNotConfigured(t *testing.T) {
	fees, err := NewFeeManager(200, 0, modules.BlackholeAddr, nil, nil)
	if err != nil {
		t.Fatalf("fee manager: %v", err)
	}
	owner := newTestSigner(t)
	conduit := NewConduit(common.HexToAddress(ConduitAddress), owner.addr, fees, NewOrderLedger(memdb.New()), DefaultDomain, log.NewTestLogger(log.InfoLevel))

	order := &PoolAsk{ID: 1, Premium: bigInt(1), StrikePrice: bigInt(10), TokenID: bigInt(1), Expiry: 5_000, OrderExpiry: 2_000}
	if _, err := conduit.BuyOption(NewMockStateDB(), owner.addr, order, make([]byte, 65)); err != ErrNotConfigured {
		t.Fatalf("got %v, want %v", err, ErrNotConfigured)
	}
}

func TestConduitSetters(t *testing.T) {
	tm := newTestMarket(t)
	if err := tm.suite.Conduit.SetOption(tm.buyer.addr, tm.suite.Registry); err != ErrUnauthorized {
		t.Fatalf("setOption by stranger: got %v, want %v", err, ErrUnauthorized)
	}
	if err := tm.suite.Conduit.SetPoolFactory(tm.buyer.addr, tm.suite.Factory); err != ErrUnauthorized {
		t.Fatalf("setPoolFactory by stranger: got %v, want %v", err, ErrUnauthorized)
	}
	if err := tm.suite.Conduit.SetOption(tm.owner.addr, tm.suite.Registry); err != nil {
		t.Fatalf("setOption by owner: %v", err)
	}
}
