// Package auction decodes the packed order stream exposed by the batch
// exchange contract.
package auction

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// prefixLen is the length of the marker preceding the hex payload ("0x").
const prefixLen = 2

// Decode converts a prefixed hex blob into order elements. Trailing nibbles
// that do not fill a record are discarded, and a record slot containing
// non-hex characters is skipped without consuming an index. Decode never
// fails.
func Decode(blob string) []Element {
	var out []Element
	DecodeEach(blob, func(e Element) bool {
		out = append(out, e)
		return true
	})
	if out == nil {
		return []Element{}
	}
	return out
}

// DecodeEach streams decoded elements to fn until the blob is exhausted or fn
// returns false.
func DecodeEach(blob string, fn func(Element) bool) {
	if len(blob) < prefixLen {
		return
	}
	body := blob[prefixLen:]
	var index uint32
	for cursor := 0; cursor+RecordWidth <= len(body); cursor += RecordWidth {
		elem, ok := decodeRecord(body[cursor : cursor+RecordWidth])
		if !ok {
			continue
		}
		elem.Index = index
		index++
		if !fn(elem) {
			return
		}
	}
}

// Count returns the number of complete record slots in the blob.
func Count(blob string) int {
	if len(blob) < prefixLen {
		return 0
	}
	return (len(blob) - prefixLen) / RecordWidth
}

func decodeRecord(record string) (Element, bool) {
	if !isHex(record) {
		return Element{}, false
	}
	var elem Element
	offset := 0
	for _, f := range recordSchema {
		chunk := record[offset : offset+f.width]
		offset += f.width
		switch f.kind {
		case kindAddress:
			elem.Owner = "0x" + strings.ToLower(chunk)
		case kindBig:
			value, ok := new(big.Int).SetString(chunk, 16)
			if !ok {
				return Element{}, false
			}
			elem.setBig(f.name, value)
		case kindUint:
			value, err := strconv.ParseUint(chunk, 16, f.width*4)
			if err != nil {
				return Element{}, false
			}
			elem.setUint(f.name, value)
		}
	}
	return elem, true
}

func (e *Element) setBig(name string, v *big.Int) {
	switch name {
	case "sellTokenBalance":
		e.SellTokenBalance = v
	case "priceNumerator":
		e.PriceNumerator = v
	case "priceDenominator":
		e.PriceDenominator = v
	case "remaining":
		e.Remaining = v
	}
}

func (e *Element) setUint(name string, v uint64) {
	switch name {
	case "buyToken":
		e.BuyToken = uint16(v)
	case "sellToken":
		e.SellToken = uint16(v)
	case "validFrom":
		e.ValidFrom = uint32(v)
	case "validUntil":
		e.ValidUntil = uint32(v)
	}
}

// Encode packs elements into a prefixed hex blob using the record schema.
// Index is not part of the wire format and is ignored.
func Encode(elems ...Element) (string, error) {
	var b strings.Builder
	b.Grow(prefixLen + len(elems)*RecordWidth)
	b.WriteString("0x")
	for i, e := range elems {
		for _, f := range recordSchema {
			chunk, err := e.encodeField(f)
			if err != nil {
				return "", fmt.Errorf("encode element %d: %w", i, err)
			}
			b.WriteString(chunk)
		}
	}
	return b.String(), nil
}

func (e Element) encodeField(f field) (string, error) {
	var digits string
	switch f.name {
	case "owner":
		digits = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(e.Owner, "0x"), "0X"))
		if digits != "" && !isHex(digits) {
			return "", fmt.Errorf("owner %q is not hex", e.Owner)
		}
	case "sellTokenBalance":
		digits = bigHex(e.SellTokenBalance)
	case "priceNumerator":
		digits = bigHex(e.PriceNumerator)
	case "priceDenominator":
		digits = bigHex(e.PriceDenominator)
	case "remaining":
		digits = bigHex(e.Remaining)
	case "buyToken":
		digits = strconv.FormatUint(uint64(e.BuyToken), 16)
	case "sellToken":
		digits = strconv.FormatUint(uint64(e.SellToken), 16)
	case "validFrom":
		digits = strconv.FormatUint(uint64(e.ValidFrom), 16)
	case "validUntil":
		digits = strconv.FormatUint(uint64(e.ValidUntil), 16)
	}
	if strings.HasPrefix(digits, "-") {
		return "", fmt.Errorf("%s is negative", f.name)
	}
	if len(digits) > f.width {
		return "", fmt.Errorf("%s overflows %d nibbles", f.name, f.width)
	}
	return strings.Repeat("0", f.width-len(digits)) + digits, nil
}

func bigHex(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.Text(16)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
