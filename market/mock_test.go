// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/tracing"
	ethtypes "github.com/luxfi/geth/core/types"
	"github.com/luxfi/log"
)

// MockStateDB implements the StateDB interface for testing
type MockStateDB struct {
	storage  map[common.Address]map[common.Hash]common.Hash
	balances map[common.Address]*uint256.Int
	logs     []*ethtypes.Log
	now      uint64
}

func NewMockStateDB() *MockStateDB {
	return &MockStateDB{
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		balances: make(map[common.Address]*uint256.Int),
		logs:     make([]*ethtypes.Log, 0),
		now:      1_000,
	}
}

func (m *MockStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	if m.storage[addr] == nil {
		return common.Hash{}
	}
	return m.storage[addr][key]
}

func (m *MockStateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	if m.storage[addr] == nil {
		m.storage[addr] = make(map[common.Hash]common.Hash)
	}
	prev := m.storage[addr][key]
	m.storage[addr][key] = value
	return prev
}

func (m *MockStateDB) GetBalance(addr common.Address) *uint256.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

func (m *MockStateDB) AddBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	if m.balances[addr] == nil {
		m.balances[addr] = uint256.NewInt(0)
	}
	prev := m.balances[addr].Clone()
	m.balances[addr] = new(uint256.Int).Add(m.balances[addr], amount)
	return *prev
}

func (m *MockStateDB) SubBalance(addr common.Address, amount *uint256.Int, _ tracing.BalanceChangeReason) uint256.Int {
	if m.balances[addr] == nil {
		m.balances[addr] = uint256.NewInt(0)
	}
	prev := m.balances[addr].Clone()
	m.balances[addr] = new(uint256.Int).Sub(m.balances[addr], amount)
	return *prev
}

func (m *MockStateDB) GetTimestamp() uint64            { return m.now }
func (m *MockStateDB) AddLog(entry *ethtypes.Log)      { m.logs = append(m.logs, entry) }
func (m *MockStateDB) Logs() []*ethtypes.Log           { return m.logs }
func (m *MockStateDB) Exist(common.Address) bool       { return true }
func (m *MockStateDB) CreateAccount(common.Address)    {}

func setBalance(stateDB *MockStateDB, addr common.Address, amount uint64) {
	stateDB.balances[addr] = uint256.NewInt(amount)
}

func nativeBalance(stateDB *MockStateDB, addr common.Address) *big.Int {
	return stateDB.GetBalance(addr).ToBig()
}

// MockERC721 is an in-memory collection for custody tests
type MockERC721 struct {
	owners map[common.Hash]common.Address
}

func NewMockERC721() *MockERC721 {
	return &MockERC721{owners: make(map[common.Hash]common.Address)}
}

func (m *MockERC721) Mint(to common.Address, tokenID *big.Int) {
	m.owners[common.BigToHash(tokenID)] = to
}

func (m *MockERC721) OwnerOf(tokenID *big.Int) (common.Address, error) {
	owner, ok := m.owners[common.BigToHash(tokenID)]
	if !ok {
		return common.Address{}, errors.New("token does not exist")
	}
	return owner, nil
}

func (m *MockERC721) TransferFrom(from, to common.Address, tokenID *big.Int) error {
	key := common.BigToHash(tokenID)
	if m.owners[key] != from {
		return errors.New("transfer from non-owner")
	}
	m.owners[key] = to
	return nil
}

// MockERC20 is an in-memory payment asset
type MockERC20 struct {
	balances map[common.Address]*big.Int
}

func NewMockERC20() *MockERC20 {
	return &MockERC20{balances: make(map[common.Address]*big.Int)}
}

func (m *MockERC20) Mint(to common.Address, amount *big.Int) {
	if m.balances[to] == nil {
		m.balances[to] = big.NewInt(0)
	}
	m.balances[to] = new(big.Int).Add(m.balances[to], amount)
}

func (m *MockERC20) BalanceOf(account common.Address) *big.Int {
	if bal, ok := m.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *MockERC20) TransferFrom(from, to common.Address, amount *big.Int) error {
	if m.BalanceOf(from).Cmp(amount) < 0 {
		return errors.New("insufficient token balance")
	}
	m.balances[from] = new(big.Int).Sub(m.BalanceOf(from), amount)
	m.Mint(to, amount)
	return nil
}

// FaultyERC20 is a payment token whose transfers can be tripped to
// fail, for settlement unwind tests
type FaultyERC20 struct {
	*MockERC20
	fail bool
}

func NewFaultyERC20() *FaultyERC20 {
	return &FaultyERC20{MockERC20: NewMockERC20()}
}

func (m *FaultyERC20) TransferFrom(from, to common.Address, amount *big.Int) error {
	if m.fail {
		return errors.New("token transfer rejected")
	}
	return m.MockERC20.TransferFrom(from, to, amount)
}

// testSigner wraps an ECDSA key for order signing
type testSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSigner{key: key, addr: common.PubkeyToAddress(key.PublicKey)}
}

func (s *testSigner) sign(t *testing.T, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return sig
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}

// testMarket wires a full suite with one native pool
type testMarket struct {
	stateDB    *MockStateDB
	suite      *Suite
	nft        *MockERC721
	collection common.Address
	owner      *testSigner // pool owner, signs pool asks
	buyer      *testSigner // counterparty, signs bids and asks
	pool       *Pool
}

func newTestMarket(t *testing.T) *testMarket {
	t.Helper()
	owner := newTestSigner(t)
	buyer := newTestSigner(t)
	logger := log.NewTestLogger(log.InfoLevel)

	suite, err := NewSuite(memdb.New(), DefaultConfig(owner.addr), logger)
	if err != nil {
		t.Fatalf("new suite: %v", err)
	}
	stateDB := NewMockStateDB()
	nft := NewMockERC721()
	collection := common.HexToAddress("0x00000000000000000000000000000000c0113c71")

	pool, err := suite.Factory.CreatePool(stateDB, owner.addr, collection, nft, owner.addr)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return &testMarket{
		stateDB:    stateDB,
		suite:      suite,
		nft:        nft,
		collection: collection,
		owner:      owner,
		buyer:      buyer,
		pool:       pool,
	}
}

// depositCollateral mints a collection token straight into pool custody
func (tm *testMarket) depositCollateral(tokenID int64) *big.Int {
	id := bigInt(tokenID)
	tm.nft.Mint(tm.pool.Address(), id)
	return id
}

// poolAsk builds a valid CALL pool ask against tm.pool
func (tm *testMarket) poolAsk(id uint64, tokenID *big.Int, premium, strike int64) *PoolAsk {
	return &PoolAsk{
		ID:          id,
		Pool:        tm.pool.Address(),
		Collection:  tm.collection,
		OptionType:  OptionCall,
		StrikePrice: bigInt(strike),
		Premium:     bigInt(premium),
		Expiry:      tm.stateDB.now + 3_600,
		TokenID:     tokenID,
		OrderExpiry: tm.stateDB.now + 600,
	}
}

func (tm *testMarket) signPoolAsk(t *testing.T, order *PoolAsk) []byte {
	return tm.owner.sign(t, HashPoolAsk(DefaultDomain, order))
}
