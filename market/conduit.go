// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"
)

var (
	eventPoolAskTaken   = common.Keccak256Hash([]byte("PoolAskTaken(uint256,uint256,address,uint256)"))
	eventOrderCancelled = common.Keccak256Hash([]byte("OrderCancelled(address,uint256)"))
)

// Conduit is the trust-minimized settlement entry for counterparties.
// It verifies order signatures, enforces single-use (signer, id) slots
// through the shared OrderLedger, routes protocol fees, and delegates
// custody changes to factory-registered pools only.
type Conduit struct {
	mu sync.Mutex

	address common.Address
	owner   common.Address

	option  *OptionRegistry
	factory *PoolFactory
	fees    FeePolicy
	ledger  *OrderLedger
	domain  SigningDomain
	log     log.Logger
}

// NewConduit builds a conduit. Option registry and factory are bound
// after construction via SetOption and SetPoolFactory.
func NewConduit(address, owner common.Address, fees FeePolicy, ledger *OrderLedger, domain SigningDomain, logger log.Logger) *Conduit {
	return &Conduit{
		address: address,
		owner:   owner,
		fees:    fees,
		ledger:  ledger,
		domain:  domain,
		log:     logger,
	}
}

// Address returns the conduit's precompile address.
func (c *Conduit) Address() common.Address {
	return c.address
}

// SetOption binds the option registry. Owner only.
func (c *Conduit) SetOption(caller common.Address, registry *OptionRegistry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return ErrUnauthorized
	}
	c.option = registry
	return nil
}

// SetPoolFactory binds the valid-pool registry. Owner only.
func (c *Conduit) SetPoolFactory(caller common.Address, factory *PoolFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return ErrUnauthorized
	}
	c.factory = factory
	return nil
}

// lookupPool resolves a factory-registered pool or fails.
func (c *Conduit) lookupPool(address common.Address) (*Pool, error) {
	c.mu.Lock()
	factory := c.factory
	option := c.option
	c.mu.Unlock()
	if factory == nil || option == nil {
		return nil, ErrNotConfigured
	}
	pool, ok := factory.GetPool(address)
	if !ok {
		return nil, ErrUnknownPool
	}
	return pool, nil
}

// BuyOption settles a pool-signed PoolAsk for [caller]: the premium is
// pulled from the caller, the protocol fee is routed out of it, and the
// pool mints the option to the caller. Returns the minted option id.
func (c *Conduit) BuyOption(stateDB StateDB, caller common.Address, order *PoolAsk, sig []byte) (uint64, error) {
	pool, err := c.lookupPool(order.Pool)
	if err != nil {
		return 0, err
	}
	fee := c.fees.Fee(order.Premium, caller)
	optionID, err := pool.FulfillAsk(stateDB, caller, order, sig, caller, fee, c.fees.Recipient())
	if err != nil {
		return 0, err
	}
	c.emit(stateDB, eventPoolAskTaken,
		common.BigToHash(new(big.Int).SetUint64(order.ID)),
		common.BigToHash(new(big.Int).SetUint64(optionID)),
		common.BytesToHash(caller.Bytes()),
		common.BigToHash(fee),
	)
	c.log.Info("pool ask settled",
		"pool", order.Pool,
		"order", order.ID,
		"option", optionID,
		"buyer", caller,
	)
	return optionID, nil
}

// AcceptBid settles a buyer-signed bid against [poolAddress] on behalf
// of the pool principal, routing the fee out of the bid price.
func (c *Conduit) AcceptBid(stateDB StateDB, caller, poolAddress common.Address, bid *Bid, sig []byte, tokenID *big.Int, expiry uint64) (uint64, error) {
	pool, err := c.lookupPool(poolAddress)
	if err != nil {
		return 0, err
	}
	fee := c.fees.Fee(bid.Price, bid.Buyer)
	optionID, err := pool.AcceptBidWithFee(stateDB, caller, bid, sig, tokenID, expiry, fee, c.fees.Recipient())
	if err != nil {
		return 0, err
	}
	c.log.Info("bid settled", "pool", poolAddress, "bid", bid.ID, "option", optionID)
	return optionID, nil
}

// AcceptAsk settles a holder-signed resale ask against [poolAddress],
// routing the fee out of the sale price.
func (c *Conduit) AcceptAsk(stateDB StateDB, caller, poolAddress common.Address, ask *Ask, sig []byte) error {
	pool, err := c.lookupPool(poolAddress)
	if err != nil {
		return err
	}
	fee := c.fees.Fee(ask.Price, ask.Seller)
	if err := pool.AcceptAskWithFee(stateDB, caller, ask, sig, fee, c.fees.Recipient()); err != nil {
		return err
	}
	c.log.Info("ask settled", "pool", poolAddress, "ask", ask.ID, "option", ask.OptionID)
	return nil
}

// CancelOrder burns the caller's own (signer, id) slot so any order it
// signed under that id can never settle.
func (c *Conduit) CancelOrder(stateDB StateDB, caller common.Address, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	used, err := c.ledger.IsUsed(caller, id)
	if err != nil {
		return fmt.Errorf("order ledger: %w", err)
	}
	if used {
		return ErrOrderFinalized
	}
	if err := c.ledger.MarkUsed(caller, id); err != nil {
		return fmt.Errorf("order ledger: %w", err)
	}
	c.emit(stateDB, eventOrderCancelled,
		common.BytesToHash(caller.Bytes()),
		common.BigToHash(new(big.Int).SetUint64(id)),
	)
	c.log.Debug("order cancelled", "signer", caller, "order", id)
	return nil
}

func (c *Conduit) emit(stateDB StateDB, topic common.Hash, args ...common.Hash) {
	topics := append([]common.Hash{topic}, args...)
	stateDB.AddLog(&ethtypes.Log{Address: c.address, Topics: topics})
}
