package eth

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestSelector(t *testing.T) {
	// Canonical selectors from the ERC-20 ABI.
	cases := map[string]string{
		"balanceOf(address)":         "70a08231",
		"decimals()":                 "313ce567",
		"transfer(address,uint256)":  "a9059cbb",
		"totalSupply()":              "18160ddd",
		"allowance(address,address)": "dd62ed3e",
	}
	for sig, want := range cases {
		if got := hex.EncodeToString(Selector(sig)); got != want {
			t.Errorf("Selector(%q) = %s, want %s", sig, got, want)
		}
	}
}

func TestCallPacking(t *testing.T) {
	addr := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	data := Call("balanceOf(address)", addr)
	if len(data) != 4+32 {
		t.Fatalf("len = %d, want 36", len(data))
	}
	if !bytes.Equal(data[:4], Selector("balanceOf(address)")) {
		t.Fatal("selector mismatch")
	}
	if !bytes.Equal(data[4+12:4+32], addr.Bytes()) {
		t.Fatal("address not right-aligned in word")
	}
	for _, b := range data[4 : 4+12] {
		if b != 0 {
			t.Fatal("address word not zero-padded")
		}
	}

	data = Call("f(uint256)", uint64(258))
	if data[4+30] != 1 || data[4+31] != 2 {
		t.Fatalf("uint64 packing wrong: %x", data[4:])
	}
}

func TestDecodeUint256(t *testing.T) {
	ret := make([]byte, 64)
	ret[31] = 7
	ret[63] = 9
	v, err := DecodeUint256(ret, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint64() != 9 {
		t.Fatalf("word 1 = %d, want 9", v.Uint64())
	}
	if _, err := DecodeUint256(ret, 2); !errors.Is(err, ErrShortReturn) {
		t.Fatalf("err = %v, want ErrShortReturn", err)
	}
}

func TestDecodeAddress(t *testing.T) {
	want := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	ret := make([]byte, 32)
	copy(ret[12:], want.Bytes())
	got, err := DecodeAddress(ret, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %s, want %s", got.Hex(), want.Hex())
	}
}

func TestDecodeBool(t *testing.T) {
	ret := make([]byte, 32)
	if b, _ := DecodeBool(ret, 0); b {
		t.Fatal("zero word decoded true")
	}
	ret[31] = 1
	if b, _ := DecodeBool(ret, 0); !b {
		t.Fatal("one word decoded false")
	}
}

func TestDecodeStringDynamic(t *testing.T) {
	// offset=0x20, len=3, "USD"
	ret := make([]byte, 96)
	ret[31] = 0x20
	ret[63] = 3
	copy(ret[64:], "USD")
	s, err := DecodeString(ret)
	if err != nil {
		t.Fatal(err)
	}
	if s != "USD" {
		t.Fatalf("got %q", s)
	}
}

func TestDecodeStringBytes32Fallback(t *testing.T) {
	ret := make([]byte, 32)
	copy(ret, "MKR")
	s, err := DecodeString(ret)
	if err != nil {
		t.Fatal(err)
	}
	if s != "MKR" {
		t.Fatalf("got %q", s)
	}
}

func TestDecodeUint256Word(t *testing.T) {
	v := uint256.NewInt(0).SetAllOne()
	b := v.Bytes32()
	got, err := DecodeUint256(b[:], 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Eq(v) {
		t.Fatal("max uint256 round trip failed")
	}
}
