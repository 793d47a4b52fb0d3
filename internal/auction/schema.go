package auction

type fieldKind uint8

const (
	kindAddress fieldKind = iota
	kindUint
	kindBig
)

// field describes one fixed-width column of a packed order record. Widths are
// counted in hex nibbles.
type field struct {
	name  string
	width int
	kind  fieldKind
}

var recordSchema = []field{
	{name: "owner", width: 40, kind: kindAddress},
	{name: "sellTokenBalance", width: 64, kind: kindBig},
	{name: "buyToken", width: 4, kind: kindUint},
	{name: "sellToken", width: 4, kind: kindUint},
	{name: "validFrom", width: 8, kind: kindUint},
	{name: "validUntil", width: 8, kind: kindUint},
	{name: "priceNumerator", width: 32, kind: kindBig},
	{name: "priceDenominator", width: 32, kind: kindBig},
	{name: "remaining", width: 32, kind: kindBig},
}

// RecordWidth is the number of hex nibbles occupied by one packed order.
var RecordWidth = func() int {
	total := 0
	for _, f := range recordSchema {
		total += f.width
	}
	return total
}()
