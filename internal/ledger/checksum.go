package ledger

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/coachpo/dexsync/errs"
)

// Checksum renders addr in EIP-55 mixed-case form.
func Checksum(addr string) (string, error) {
	raw, err := parseAddress(addr)
	if err != nil {
		return "", errs.New("ledger", errs.CodeInvalid, errs.WithMessage("invalid address"), errs.WithCause(err))
	}
	lower := hex.EncodeToString(raw)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	var b strings.Builder
	b.Grow(42)
	b.WriteString("0x")
	for i, c := range lower {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			b.WriteRune(c - 'a' + 'A')
			continue
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}

// IsAddress reports whether addr is a 20-byte hex address.
func IsAddress(addr string) bool {
	_, err := parseAddress(addr)
	return err == nil
}
