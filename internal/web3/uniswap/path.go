// Package uniswap adapts Uniswap v3 SwapRouter02 and QuoterV2 contracts to the
// vault router and quoter ports.
package uniswap

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/vault"
)

const (
	addrSize = common.AddressLength
	feeSize  = 3
	hopSize  = addrSize + feeSize
)

// EncodePath packs a path as token0 ‖ fee0 ‖ token1 ‖ fee1 ‖ … ‖ tokenN,
// the layout expected by exactInput and quoteExactInput.
func EncodePath(path vault.Path) ([]byte, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(path)*hopSize+addrSize)
	out = append(out, path[0].TokenIn.Bytes()...)
	for _, hop := range path {
		out = append(out, byte(hop.Fee>>16), byte(hop.Fee>>8), byte(hop.Fee))
		out = append(out, hop.TokenOut.Bytes()...)
	}
	return out, nil
}

// DecodePath is the inverse of EncodePath.
func DecodePath(raw []byte) (vault.Path, error) {
	if len(raw) < hopSize+addrSize || (len(raw)-addrSize)%hopSize != 0 {
		return nil, fmt.Errorf("invalid path length %d", len(raw))
	}
	var path vault.Path
	for offset := 0; offset+hopSize+addrSize <= len(raw); offset += hopSize {
		fee := uint32(raw[offset+addrSize])<<16 | uint32(raw[offset+addrSize+1])<<8 | uint32(raw[offset+addrSize+2])
		path = append(path, vault.Hop{
			TokenIn:  common.BytesToAddress(raw[offset : offset+addrSize]),
			Fee:      fee,
			TokenOut: common.BytesToAddress(raw[offset+hopSize : offset+hopSize+addrSize]),
		})
	}
	return path, nil
}
