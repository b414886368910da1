// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"
)

// Transfer event topic shared with the ERC721 standard so explorers
// index option movements like any collection.
var optionTransferTopic = common.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// OptionRegistry tracks issued option tokens. Options are minted by
// authorized pools, transfer like ERC721 tokens, and are burned by the
// issuing pool on execution, clearing or buy-back.
//
// OptionRegistry satisfies ERC721 so option tokens can flow through the
// same custody paths as collection tokens.
type OptionRegistry struct {
	mu sync.RWMutex

	address    common.Address
	controller common.Address // may authorize minters, normally the factory

	nextID    uint64
	owners    map[uint64]common.Address
	approvals map[uint64]common.Address
	writers   map[uint64]common.Address // issuing pool per option
	minters   map[common.Address]bool
}

var _ ERC721 = (*OptionRegistry)(nil)

// NewOptionRegistry creates an empty registry controlled by [controller].
func NewOptionRegistry(address, controller common.Address) *OptionRegistry {
	return &OptionRegistry{
		address:    address,
		controller: controller,
		owners:     make(map[uint64]common.Address),
		approvals:  make(map[uint64]common.Address),
		writers:    make(map[uint64]common.Address),
		minters:    make(map[common.Address]bool),
	}
}

// Address returns the registry's precompile address.
func (r *OptionRegistry) Address() common.Address {
	return r.address
}

// SetController hands minter administration to a new controller.
func (r *OptionRegistry) SetController(caller, controller common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.controller {
		return ErrUnauthorized
	}
	r.controller = controller
	return nil
}

// AuthorizeMinter allows [pool] to mint options.
func (r *OptionRegistry) AuthorizeMinter(caller, pool common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.controller {
		return ErrUnauthorized
	}
	r.minters[pool] = true
	return nil
}

// IsAuthorizedMinter reports whether [pool] may mint options.
func (r *OptionRegistry) IsAuthorizedMinter(pool common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minters[pool]
}

// Mint issues a new option token to [to] on behalf of [minter].
// Only authorized pools mint; ids start at 1 and never repeat.
func (r *OptionRegistry) Mint(stateDB StateDB, minter, to common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.minters[minter] {
		return 0, ErrMintNotAuthorized
	}
	if to == (common.Address{}) {
		return 0, ErrTransferToZero
	}
	r.nextID++
	id := r.nextID
	r.owners[id] = to
	r.writers[id] = minter
	r.emitTransfer(stateDB, common.Address{}, to, id)
	return id, nil
}

// Burn destroys option [id]. Only the issuing pool burns; subsequent
// lookups fail with ErrInvalidToken.
func (r *OptionRegistry) Burn(stateDB StateDB, caller common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return ErrInvalidToken
	}
	if r.writers[id] != caller {
		return ErrUnauthorized
	}
	delete(r.owners, id)
	delete(r.approvals, id)
	delete(r.writers, id)
	r.emitTransfer(stateDB, owner, common.Address{}, id)
	return nil
}

// OwnerOf returns the holder of option [tokenID].
func (r *OptionRegistry) OwnerOf(tokenID *big.Int) (common.Address, error) {
	id, ok := optionID(tokenID)
	if !ok {
		return common.Address{}, ErrInvalidToken
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, exists := r.owners[id]
	if !exists {
		return common.Address{}, ErrInvalidToken
	}
	return owner, nil
}

// Writer returns the pool that issued option [id].
func (r *OptionRegistry) Writer(id uint64) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	writer, ok := r.writers[id]
	return writer, ok
}

// TransferFrom moves option [tokenID] from [from] to [to]. Entitlement
// is the caller's responsibility: market components invoke this only
// after verifying the transfer is owed.
func (r *OptionRegistry) TransferFrom(from, to common.Address, tokenID *big.Int) error {
	id, ok := optionID(tokenID)
	if !ok {
		return ErrInvalidToken
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(from, to, id)
}

// Transfer moves option [id] on behalf of [caller], who must be the
// owner or the approved spender.
func (r *OptionRegistry) Transfer(stateDB StateDB, caller, to common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return ErrInvalidToken
	}
	if caller != owner && caller != r.approvals[id] {
		return ErrApprovalNotGranted
	}
	if err := r.move(owner, to, id); err != nil {
		return err
	}
	r.emitTransfer(stateDB, owner, to, id)
	return nil
}

// Approve grants [spender] the right to transfer option [id].
func (r *OptionRegistry) Approve(caller, spender common.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return ErrInvalidToken
	}
	if caller != owner {
		return ErrUnauthorized
	}
	r.approvals[id] = spender
	return nil
}

// GetApproved returns the approved spender for option [id], if any.
func (r *OptionRegistry) GetApproved(id uint64) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spender, ok := r.approvals[id]
	return spender, ok
}

// TotalIssued returns the count of options ever minted.
func (r *OptionRegistry) TotalIssued() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// move requires r.mu held.
func (r *OptionRegistry) move(from, to common.Address, id uint64) error {
	owner, ok := r.owners[id]
	if !ok {
		return ErrInvalidToken
	}
	if owner != from {
		return ErrUnauthorized
	}
	if to == (common.Address{}) {
		return ErrTransferToZero
	}
	r.owners[id] = to
	delete(r.approvals, id)
	return nil
}

func (r *OptionRegistry) emitTransfer(stateDB StateDB, from, to common.Address, id uint64) {
	if stateDB == nil {
		return
	}
	stateDB.AddLog(&ethtypes.Log{
		Address: r.address,
		Topics: []common.Hash{
			optionTransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(new(big.Int).SetUint64(id)),
		},
	})
}

func optionID(tokenID *big.Int) (uint64, bool) {
	if tokenID == nil || !tokenID.IsUint64() {
		return 0, false
	}
	return tokenID.Uint64(), true
}
