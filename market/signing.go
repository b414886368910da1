// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// SigningDomain binds order signatures to one market deployment.
type SigningDomain struct {
	Name    string
	Version string
	ChainID uint64
}

// DefaultDomain is the domain used by the registered precompile suite.
var DefaultDomain = SigningDomain{Name: "LXOptionMarket", Version: "2", ChainID: 96369}

var (
	domainTypeHash  = common.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	poolAskTypeHash = common.Keccak256Hash([]byte("PoolAsk(uint256 id,address pool,address collection,uint8 optionType,uint256 strikePrice,uint256 premium,uint256 expiry,uint256 tokenId,uint256 orderExpiry)"))
	askTypeHash     = common.Keccak256Hash([]byte("Ask(uint256 id,uint256 optionId,uint256 price,address seller,address tokenAddress,uint256 orderExpiry)"))
	bidTypeHash     = common.Keccak256Hash([]byte("Bid(uint256 id,uint256 price,address tokenAddress,address collection,uint256 orderExpiry,address buyer,uint8 optionType,uint256 strikePrice,uint256 expiry,uint256 expiryAllowance)"))
)

// Separator computes the domain separator hash.
func (d SigningDomain) Separator() common.Hash {
	return common.Keccak256Hash(
		domainTypeHash.Bytes(),
		common.Keccak256([]byte(d.Name)),
		common.Keccak256([]byte(d.Version)),
		uint64Word(d.ChainID),
	)
}

// digest wraps a struct hash into the signable typed-data digest.
func (d SigningDomain) digest(structHash common.Hash) common.Hash {
	sep := d.Separator()
	return common.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), structHash.Bytes())
}

// HashPoolAsk returns the signable digest for a pool ask order.
func HashPoolAsk(domain SigningDomain, order *PoolAsk) common.Hash {
	structHash := common.Keccak256Hash(
		poolAskTypeHash.Bytes(),
		uint64Word(order.ID),
		addressWord(order.Pool),
		addressWord(order.Collection),
		uint64Word(uint64(order.OptionType)),
		bigWord(order.StrikePrice),
		bigWord(order.Premium),
		uint64Word(order.Expiry),
		bigWord(order.TokenID),
		uint64Word(order.OrderExpiry),
	)
	return domain.digest(structHash)
}

// HashAsk returns the signable digest for an option resale ask.
func HashAsk(domain SigningDomain, order *Ask) common.Hash {
	structHash := common.Keccak256Hash(
		askTypeHash.Bytes(),
		uint64Word(order.ID),
		uint64Word(order.OptionID),
		bigWord(order.Price),
		addressWord(order.Seller),
		addressWord(order.PaymentAsset),
		uint64Word(order.OrderExpiry),
	)
	return domain.digest(structHash)
}

// HashBid returns the signable digest for a buyer bid.
func HashBid(domain SigningDomain, order *Bid) common.Hash {
	structHash := common.Keccak256Hash(
		bidTypeHash.Bytes(),
		uint64Word(order.ID),
		bigWord(order.Price),
		addressWord(order.PaymentAsset),
		addressWord(order.Collection),
		uint64Word(order.OrderExpiry),
		addressWord(order.Buyer),
		uint64Word(uint64(order.OptionType)),
		bigWord(order.StrikePrice),
		uint64Word(order.Expiry),
		uint64Word(order.ExpiryAllowance),
	)
	return domain.digest(structHash)
}

// RecoverSigner recovers the signing address from a 65-byte [R || S || V]
// signature over [digest]. V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return common.PubkeyToAddress(*pub), nil
}

func uint64Word(v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return word[:]
}

func bigWord(v *big.Int) []byte {
	var word [32]byte
	if v != nil {
		v.FillBytes(word[:])
	}
	return word[:]
}

func addressWord(a common.Address) []byte {
	var word [32]byte
	copy(word[12:], a.Bytes())
	return word[:]
}
