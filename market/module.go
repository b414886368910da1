// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package market

import (
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/options/modules"
)

// Config keys for chain configuration
const (
	FactoryConfigKey        = "optionPoolFactoryConfig"
	ConduitConfigKey        = "optionConduitConfig"
	OptionRegistryConfigKey = "optionRegistryConfig"
	FeeManagerConfigKey     = "optionFeeManagerConfig"
)

// Config parameterizes a market suite deployment.
type Config struct {
	Owner        common.Address
	FeeFraction  uint64 // basis points of FeeDenominator
	FeeDiscount  uint64 // badge holder rebate, basis points
	FeeRecipient common.Address
	Domain       SigningDomain
}

// DefaultConfig returns the standard deployment parameters: 2% fee,
// no badge discount, fees burned.
func DefaultConfig(owner common.Address) Config {
	return Config{
		Owner:        owner,
		FeeFraction:  200,
		FeeDiscount:  0,
		FeeRecipient: modules.BlackholeAddr,
		Domain:       DefaultDomain,
	}
}

// Suite is a fully wired market deployment: registry, fee policy,
// order ledger, factory and conduit bound to each other.
type Suite struct {
	Registry *OptionRegistry
	Fees     *FeeManager
	Ledger   *OrderLedger
	Factory  *PoolFactory
	Conduit  *Conduit
}

// NewSuite wires the market components. [db] backs the replay ledger.
func NewSuite(db database.Database, cfg Config, logger log.Logger) (*Suite, error) {
	fees, err := NewFeeManager(cfg.FeeFraction, cfg.FeeDiscount, cfg.FeeRecipient, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fee manager: %w", err)
	}
	ledger := NewOrderLedger(db)
	registry := NewOptionRegistry(common.HexToAddress(OptionRegistryAddress), common.HexToAddress(PoolFactoryAddress))
	factory := NewPoolFactory(common.HexToAddress(PoolFactoryAddress), cfg.Owner, registry, ledger, cfg.Domain, logger)
	conduit := NewConduit(common.HexToAddress(ConduitAddress), cfg.Owner, fees, ledger, cfg.Domain, logger)

	if err := conduit.SetOption(cfg.Owner, registry); err != nil {
		return nil, err
	}
	if err := conduit.SetPoolFactory(cfg.Owner, factory); err != nil {
		return nil, err
	}
	if err := factory.SetConduit(cfg.Owner, conduit.Address()); err != nil {
		return nil, err
	}
	return &Suite{
		Registry: registry,
		Fees:     fees,
		Ledger:   ledger,
		Factory:  factory,
		Conduit:  conduit,
	}, nil
}

// RegisterModules registers the suite's components at their reserved
// LP-92xx addresses for deterministic chain-config iteration.
func (s *Suite) RegisterModules() error {
	entries := []modules.Module{
		{ConfigKey: FactoryConfigKey, Address: common.HexToAddress(PoolFactoryAddress), Contract: s.Factory},
		{ConfigKey: ConduitConfigKey, Address: common.HexToAddress(ConduitAddress), Contract: s.Conduit},
		{ConfigKey: OptionRegistryConfigKey, Address: common.HexToAddress(OptionRegistryAddress), Contract: s.Registry},
		{ConfigKey: FeeManagerConfigKey, Address: common.HexToAddress(FeeManagerAddress), Contract: s.Fees},
	}
	for _, entry := range entries {
		if err := modules.RegisterModule(entry); err != nil {
			return fmt.Errorf("register %s: %w", entry.ConfigKey, err)
		}
	}
	return nil
}
