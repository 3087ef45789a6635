// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

var activeNet = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
	rpcClientPort string
}

// mainNetParams contains parameters specific running corewallet and btcd on
// the main network (wire.MainNet).
var mainNetParams = params{
	Params:        &chaincfg.MainNetParams,
	rpcClientPort: "8334",
}

// testNet3Params contains parameters specific running corewallet and btcd on
// the test network (version 3) (wire.TestNet3).
var testNet3Params = params{
	Params:        &chaincfg.TestNet3Params,
	rpcClientPort: "18334",
}

// simNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var simNetParams = params{
	Params:        &chaincfg.SimNetParams,
	rpcClientPort: "18556",
}

// regTestParams contains parameters specific to the regression test network
// (wire.TestNet).
var regTestParams = params{
	Params:        &chaincfg.RegressionNetParams,
	rpcClientPort: "18334",
}

// networkDir returns the directory name of a network directory to hold wallet
// files.
func networkDir(dataDir string, chainParams *chaincfg.Params) string {
	netname := chainParams.Name

	// The testnet3 directory keeps the historic "testnet" name.
	if chainParams.Net == wire.TestNet3 {
		netname = "testnet"
	}

	return filepath.Join(dataDir, netname)
}
