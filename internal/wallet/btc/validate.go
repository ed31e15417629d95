package btc

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// ValidAddress accepts native segwit addresses only (v0 key/script hash or
// taproot). Legacy formats are rejected because payouts are built as witness
// outputs.
func ValidAddress(address string, params *chaincfg.Params) bool {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return false
	}
	if !addr.IsForNet(params) {
		return false
	}
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash, *btcutil.AddressTaproot:
		return true
	default:
		return false
	}
}
