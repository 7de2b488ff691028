package eth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Selector hashing and word coding for the raw-signature call path. Strategies
// pack calls from canonical signatures ("balanceOf(address)") instead of ABI
// JSON; return data is decoded word-wise.

var ErrShortReturn = errors.New("return data shorter than one word")

// Selector returns the 4-byte method id for a canonical signature.
func Selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// Call packs selector plus 32-byte words. Arguments may be common.Address,
// *uint256.Int, uint64 or [32]byte.
func Call(sig string, args ...any) []byte {
	data := make([]byte, 0, 4+32*len(args))
	data = append(data, Selector(sig)...)
	for _, a := range args {
		var word [32]byte
		switch v := a.(type) {
		case common.Address:
			copy(word[12:], v.Bytes())
		case common.Hash:
			copy(word[:], v.Bytes())
		case *uint256.Int:
			b := v.Bytes32()
			copy(word[:], b[:])
		case uint64:
			u := uint256.NewInt(v).Bytes32()
			copy(word[:], u[:])
		case [32]byte:
			word = v
		default:
			panic(fmt.Sprintf("eth: unsupported call argument %T", a))
		}
		data = append(data, word[:]...)
	}
	return data
}

// Word returns the i-th 32-byte word of ret.
func Word(ret []byte, i int) ([32]byte, error) {
	var w [32]byte
	if len(ret) < 32*(i+1) {
		return w, ErrShortReturn
	}
	copy(w[:], ret[32*i:32*(i+1)])
	return w, nil
}

// DecodeUint256 decodes the i-th return word as an unsigned integer.
func DecodeUint256(ret []byte, i int) (*uint256.Int, error) {
	w, err := Word(ret, i)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(w[:]), nil
}

// DecodeAddress decodes the i-th return word as an address.
func DecodeAddress(ret []byte, i int) (common.Address, error) {
	w, err := Word(ret, i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(w[12:]), nil
}

// DecodeBool decodes the i-th return word as a boolean.
func DecodeBool(ret []byte, i int) (bool, error) {
	w, err := Word(ret, i)
	if err != nil {
		return false, err
	}
	return w[31] != 0, nil
}

// DecodeString decodes a dynamic string return, falling back to bytes32
// right-padded text when the contract returns exactly one word (pre-ABIv2
// tokens like MKR encode symbol() that way).
func DecodeString(ret []byte) (string, error) {
	if len(ret) == 32 {
		return strings.TrimRight(string(ret), "\x00"), nil
	}
	if len(ret) < 64 {
		return "", ErrShortReturn
	}
	off, err := DecodeUint256(ret, 0)
	if err != nil {
		return "", err
	}
	o := int(off.Uint64())
	if o+32 > len(ret) {
		return "", fmt.Errorf("string offset %d out of range", o)
	}
	ln, err := DecodeUint256(ret[o:], 0)
	if err != nil {
		return "", err
	}
	n := int(ln.Uint64())
	if o+32+n > len(ret) {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	return string(ret[o+32 : o+32+n]), nil
}
