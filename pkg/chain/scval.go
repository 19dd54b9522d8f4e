// Package chain is the only component that talks to the contract RPC and the
// public transaction index. It encodes invocations with typed scalar
// arguments and treats transaction envelopes as opaque XDR strings once
// built.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ScVal is a typed smart-contract argument. The wire form mirrors the host
// value model: a tag plus a JSON-encodable value.
type ScVal struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

const (
	scAddress = "address"
	scI128    = "i128"
	scBytes   = "bytes"
	scBytesN  = "bytes32"
)

// Address wraps an account or contract address.
func Address(addr string) ScVal { return ScVal{Type: scAddress, Value: addr} }

// I128 splits a signed 128-bit integer into hi/lo limbs, both carried as
// decimal strings.
func I128(v *big.Int) ScVal {
	hi := new(big.Int).Rsh(v, 64)
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	return ScVal{Type: scI128, Value: map[string]string{
		"hi": hi.String(),
		"lo": lo.String(),
	}}
}

// Bytes wraps a variable-length byte blob as 0x hex.
func Bytes(b []byte) ScVal { return ScVal{Type: scBytes, Value: hexutil.Encode(b)} }

// Bytes32 wraps a fixed 32-byte value, zero-padding shorter input on the
// left.
func Bytes32(b []byte) ScVal {
	fixed := make([]byte, 32)
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(fixed[32-len(b):], b)
	return ScVal{Type: scBytesN, Value: hexutil.Encode(fixed)}
}
