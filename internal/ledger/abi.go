package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// Contract read signatures.
const (
	sigHasToken          = "hasToken(address)"
	sigTokenAddressToID  = "tokenAddressToIdMap(address)"
	sigTokenIDToAddress  = "tokenIdToAddressMap(uint16)"
	sigEncodedOrders     = "getEncodedOrders()"
	sigEncodedUserOrders = "getEncodedUserOrders(address)"
)

// Selector returns the 4-byte function selector of a canonical signature.
func Selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var out [4]byte
	copy(out[:], h.Sum(nil)[:4])
	return out
}

// callData packs a selector followed by static arguments as 0x-prefixed hex.
func callData(signature string, args ...[]byte) string {
	sel := Selector(signature)
	buf := make([]byte, 0, 4+len(args)*wordSize)
	buf = append(buf, sel[:]...)
	for _, arg := range args {
		buf = append(buf, arg...)
	}
	return "0x" + hex.EncodeToString(buf)
}

func addressWord(addr string) ([]byte, error) {
	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	word := make([]byte, wordSize)
	copy(word[wordSize-len(raw):], raw)
	return word, nil
}

func uintWord(v uint64) []byte {
	word := make([]byte, wordSize)
	new(big.Int).SetUint64(v).FillBytes(word)
	return word
}

func parseAddress(addr string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "0x"), "0X")
	if len(trimmed) != 40 {
		return nil, fmt.Errorf("address %q: want 40 hex digits", addr)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", addr, err)
	}
	return raw, nil
}

func decodeHex(data string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(data, "0x"), "0X")
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	return hex.DecodeString(trimmed)
}

func word(data []byte, index int) ([]byte, error) {
	start := index * wordSize
	if start < 0 || len(data) < start+wordSize {
		return nil, fmt.Errorf("return data too short: %d bytes, need word %d", len(data), index)
	}
	return data[start : start+wordSize], nil
}

func decodeBool(data []byte) (bool, error) {
	w, err := word(data, 0)
	if err != nil {
		return false, err
	}
	v := new(big.Int).SetBytes(w)
	switch {
	case v.Sign() == 0:
		return false, nil
	case v.IsInt64() && v.Int64() == 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool word %x", w)
	}
}

func decodeUint16(data []byte) (uint16, error) {
	w, err := word(data, 0)
	if err != nil {
		return 0, err
	}
	v := new(big.Int).SetBytes(w)
	if v.BitLen() > 16 {
		return 0, fmt.Errorf("value %s overflows uint16", v)
	}
	return uint16(v.Uint64()), nil
}

func decodeAddress(data []byte) (string, error) {
	w, err := word(data, 0)
	if err != nil {
		return "", err
	}
	for _, b := range w[:wordSize-20] {
		if b != 0 {
			return "", fmt.Errorf("invalid address word %x", w)
		}
	}
	return "0x" + hex.EncodeToString(w[wordSize-20:]), nil
}

// decodeBytes reads a single dynamic bytes return value.
func decodeBytes(data []byte) ([]byte, error) {
	w, err := word(data, 0)
	if err != nil {
		return nil, err
	}
	offset := new(big.Int).SetBytes(w)
	if !offset.IsInt64() || offset.Int64()%wordSize != 0 || offset.Int64() > int64(len(data)) {
		return nil, fmt.Errorf("invalid bytes offset %s", offset)
	}
	head := int(offset.Int64()) / wordSize
	lw, err := word(data, head)
	if err != nil {
		return nil, err
	}
	length := new(big.Int).SetBytes(lw)
	start := (head + 1) * wordSize
	if !length.IsInt64() || length.Int64() > int64(len(data)-start) {
		return nil, fmt.Errorf("bytes length %s exceeds return data", length)
	}
	return data[start : start+int(length.Int64())], nil
}
