package wasmhost

import (
	"fmt"
	"math/big"
)

// ToSignedBytesLE returns n's two's-complement little-endian byte
// representation, the wire shape bigInt.fromSignedBytes/ArrayBuffer<u8>
// bridges trade in (spec.md §4.D, §8 testable property 6). Matches
// ethereum's BigInt host import, which is always signed even when the
// guest value originated from an unsigned ABI token (spec.md §9 "Signed
// vs unsigned BigInt").
func ToSignedBytesLE(n *big.Int) []byte {
	if n.Sign() == 0 {
		return []byte{0}
	}

	abs := new(big.Int).Abs(n)
	bitLen := abs.BitLen()
	// +1 bit so the sign bit never collides with a genuine magnitude bit.
	byteLen := bitLen/8 + 1

	if n.Sign() > 0 {
		be := abs.Bytes()
		out := make([]byte, byteLen)
		copy(out, reversed(be))
		return out
	}

	// Two's complement of a negative value: invert the magnitude's bytes
	// and add 1, in little-endian.
	be := abs.Bytes()
	le := reversed(be)
	out := make([]byte, byteLen)
	copy(out, le)
	for i := range out {
		out[i] = ^out[i]
	}
	carry := uint16(1)
	for i := 0; i < len(out) && carry > 0; i++ {
		sum := uint16(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

// FromSignedBytesLE is ToSignedBytesLE's inverse.
func FromSignedBytesLE(b []byte) *big.Int {
	if len(b) == 0 {
		return big.NewInt(0)
	}
	negative := b[len(b)-1]&0x80 != 0
	if !negative {
		return new(big.Int).SetBytes(reversed(b))
	}

	inv := make([]byte, len(b))
	for i, v := range b {
		inv[i] = ^v
	}
	magnitude := new(big.Int).SetBytes(reversed(inv))
	magnitude.Add(magnitude, big.NewInt(1))
	return new(big.Int).Neg(magnitude)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// ToHex renders n as a "0x"-prefixed lowercase hex string with no leading
// zero digits beyond a single "0" (spec.md §8 scenario S5).
func ToHex(n *big.Int) string {
	if n.Sign() == 0 {
		return "0x0"
	}
	sign := ""
	abs := n
	if n.Sign() < 0 {
		sign = "-"
		abs = new(big.Int).Neg(n)
	}
	return sign + "0x" + abs.Text(16)
}

// FromUnsignedWords interprets four little-endian u64 words as an
// unsigned 256-bit integer (spec.md §4.D "ArrayBuffer<u64> ↔ U256",
// bigInt.fromUnsigned).
func FromUnsignedWords(words [4]uint64) *big.Int {
	n := new(big.Int)
	for i := 3; i >= 0; i-- {
		n.Lsh(n, 64)
		n.Or(n, new(big.Int).SetUint64(words[i]))
	}
	return n
}

// ToUnsignedWords is FromUnsignedWords's inverse, truncating n to 256
// bits (callers are expected to have validated range beforehand).
func ToUnsignedWords(n *big.Int) [4]uint64 {
	var words [4]uint64
	mask := new(big.Int).SetUint64(^uint64(0))
	tmp := new(big.Int).Set(n)
	for i := 0; i < 4; i++ {
		word := new(big.Int).And(tmp, mask)
		words[i] = word.Uint64()
		tmp.Rsh(tmp, 64)
	}
	return words
}

// ParseBigInt parses a base-10 (optionally "-"-prefixed) string, the
// shape bigInt.fromString accepts.
func ParseBigInt(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, HostExportError(fmt.Sprintf("invalid bigint string %q", s))
	}
	return n, nil
}
