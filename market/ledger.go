// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"encoding/binary"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

var orderKeyPrefix = []byte("order/used/")

// OrderLedger persists consumed (signer, id) order slots so a settled
// or cancelled order can never settle again, regardless of payload.
type OrderLedger struct {
	db database.Database
}

// NewOrderLedger wraps [db] as the single-use order record.
func NewOrderLedger(db database.Database) *OrderLedger {
	return &OrderLedger{db: db}
}

// IsUsed reports whether order (signer, id) was finalized or cancelled.
func (l *OrderLedger) IsUsed(signer common.Address, id uint64) (bool, error) {
	return l.db.Has(orderKey(signer, id))
}

// MarkUsed burns order slot (signer, id).
func (l *OrderLedger) MarkUsed(signer common.Address, id uint64) error {
	return l.db.Put(orderKey(signer, id), []byte{1})
}

// Release frees order slot (signer, id) when a settlement unwinds
// after marking it. Cancellation never releases.
func (l *OrderLedger) Release(signer common.Address, id uint64) error {
	return l.db.Delete(orderKey(signer, id))
}

func orderKey(signer common.Address, id uint64) []byte {
	key := make([]byte, 0, len(orderKeyPrefix)+common.AddressLength+8)
	key = append(key, orderKeyPrefix...)
	key = append(key, signer.Bytes()...)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return append(key, idBytes[:]...)
}
