// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"bytes"

	"github.com/luxfi/geth/common"
)

// Module describes a registered stateful precompile: the key it is
// configured under and the address it is deployed at. Contract holds the
// component instance exposed at that address.
type Module struct {
	// ConfigKey is the unique name of this module in chain configs.
	ConfigKey string

	// Address is the address where the precompile is accessible.
	Address common.Address

	// Contract is the component served at [Address].
	Contract interface{}
}

type moduleArray []Module

func (m moduleArray) Len() int {
	return len(m)
}

func (m moduleArray) Swap(i, j int) {
	m[i], m[j] = m[j], m[i]
}

func (m moduleArray) Less(i, j int) bool {
	return bytes.Compare(m[i].Address.Bytes(), m[j].Address.Bytes()) < 0
}
