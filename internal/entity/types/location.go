package types

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
)

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NormalizePhone reduces a phone number to its digits, keeping a
// leading plus, so the same contact hashes identically regardless of
// the formatting a device applies.
func NormalizePhone(number string) string {
	var b strings.Builder

	for i, r := range number {
		if unicode.IsDigit(r) || (i == 0 && r == '+') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// HashPhone returns the one-way hash stored and exchanged in place of
// a raw phone number during contact matching.
func HashPhone(number string) string {
	sum := sha3.Sum256([]byte(NormalizePhone(number)))

	return hex.EncodeToString(sum[:])
}
