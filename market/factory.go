// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"encoding/binary"
	"sync"

	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"
	"github.com/zeebo/blake3"
)

var eventPoolCreated = common.Keccak256Hash([]byte("PoolCreated(address,address,address)"))

// PoolFactory instantiates option pools and is the registry of valid
// delegation targets: the conduit settles only against pools created
// here. Each new pool is authorized with the option registry.
type PoolFactory struct {
	mu sync.RWMutex

	address common.Address
	owner   common.Address
	conduit common.Address

	registry *OptionRegistry
	ledger   *OrderLedger
	domain   SigningDomain
	log      log.Logger

	pools     map[common.Address]*Pool
	poolOrder []common.Address // creation order for deterministic iteration
	salt      uint64
}

// NewPoolFactory builds a factory. [registry] must name the factory's
// address as its controller so pools can be authorized to mint.
func NewPoolFactory(address, owner common.Address, registry *OptionRegistry, ledger *OrderLedger, domain SigningDomain, logger log.Logger) *PoolFactory {
	return &PoolFactory{
		address:  address,
		owner:    owner,
		registry: registry,
		ledger:   ledger,
		domain:   domain,
		log:      logger,
		pools:    make(map[common.Address]*Pool),
	}
}

// Address returns the factory's precompile address.
func (f *PoolFactory) Address() common.Address {
	return f.address
}

// SetConduit records the settlement conduit address. Owner only.
func (f *PoolFactory) SetConduit(caller, conduit common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.owner {
		return ErrUnauthorized
	}
	f.conduit = conduit
	return nil
}

// Conduit returns the recorded settlement conduit address.
func (f *PoolFactory) Conduit() common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conduit
}

// CreatePool creates a native-currency pool for [collection], owned by
// [owner] (the caller when zero). Pool creation is permissionless.
func (f *PoolFactory) CreatePool(stateDB StateDB, caller, collection common.Address, nft ERC721, owner common.Address) (*Pool, error) {
	return f.createPool(stateDB, caller, collection, nft, NativeCurrency, nil, owner)
}

// CreateERC20Pool creates a pool paying in the ERC20 at [tokenAddress].
func (f *PoolFactory) CreateERC20Pool(stateDB StateDB, caller, tokenAddress common.Address, token ERC20, collection common.Address, nft ERC721, owner common.Address) (*Pool, error) {
	return f.createPool(stateDB, caller, collection, nft, Currency{Address: tokenAddress}, token, owner)
}

func (f *PoolFactory) createPool(stateDB StateDB, caller, collection common.Address, nft ERC721, currency Currency, token ERC20, owner common.Address) (*Pool, error) {
	if owner == (common.Address{}) {
		owner = caller
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.salt++
	address := f.derivePoolAddress(collection, owner, f.salt)
	pool := newPool(address, owner, collection, nft, currency, token, f.registry, f.ledger, f.domain, f.log)
	if err := f.registry.AuthorizeMinter(f.address, address); err != nil {
		return nil, err
	}
	f.pools[address] = pool
	f.poolOrder = append(f.poolOrder, address)

	if !stateDB.Exist(address) {
		stateDB.CreateAccount(address)
	}
	stateDB.AddLog(&ethtypes.Log{
		Address: f.address,
		Topics: []common.Hash{
			eventPoolCreated,
			common.BytesToHash(address.Bytes()),
			common.BytesToHash(collection.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
	})
	f.log.Info("pool created",
		"pool", address,
		"collection", collection,
		"owner", owner,
		"currency", currency.Address,
	)
	return pool, nil
}

// IsValidPool reports whether [address] was created by this factory.
func (f *PoolFactory) IsValidPool(address common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.pools[address]
	return ok
}

// GetPool returns the pool instance at [address].
func (f *PoolFactory) GetPool(address common.Address) (*Pool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pool, ok := f.pools[address]
	return pool, ok
}

// Pools returns the valid pool addresses in creation order.
func (f *PoolFactory) Pools() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]common.Address, len(f.poolOrder))
	copy(out, f.poolOrder)
	return out
}

func (f *PoolFactory) derivePoolAddress(collection, owner common.Address, salt uint64) common.Address {
	h := blake3.New()
	h.Write(f.address.Bytes())
	h.Write(collection.Bytes())
	h.Write(owner.Bytes())
	var saltBytes [8]byte
	binary.BigEndian.PutUint64(saltBytes[:], salt)
	h.Write(saltBytes[:])
	var out [32]byte
	h.Digest().Read(out[:])
	return common.BytesToAddress(out[12:])
}
