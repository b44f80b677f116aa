// Package uplid creates and validates UPL identifiers.
//
// A UPL id is a decimal string carrying a two-digit check envelope: for a
// base number the check pair (first, last) is derived from a weighted digit
// sum, and the canonical id is first|base|last. The envelope keeps ids with
// the same base sortable in mint order while still catching single-digit
// typos and most transpositions at the till.
package uplid

import "strconv"

// checkPair computes the check envelope for the given base digits.
//
// Digits are read right to left and weighted 1..n; with
// rem = 10 - (sum mod 10) the pair is (10-rem, rem), or (9, 0) in the
// rem == 10 case so both members stay single digits.
func checkPair(digits []int) (first, last int) {
	sum := 0
	for i, w := len(digits)-1, 1; i >= 0; i, w = i-1, w+1 {
		sum += digits[i] * w
	}
	rem := 10 - sum%10
	if rem == 10 {
		return 9, 0
	}
	return 10 - rem, rem
}

// NewFromUint mints the canonical UPL id for the given base number.
// Creation never fails; Validate(NewFromUint(n)) is always true.
func NewFromUint(n uint64) string {
	base := strconv.FormatUint(n, 10)
	digits := make([]int, len(base))
	for i := 0; i < len(base); i++ {
		digits[i] = int(base[i] - '0')
	}
	first, last := checkPair(digits)
	buf := make([]byte, 0, len(base)+2)
	buf = append(buf, byte('0'+first))
	buf = append(buf, base...)
	buf = append(buf, byte('0'+last))
	return string(buf)
}

// Validate reports whether s is a canonical UPL id: all decimal digits,
// with the leading and trailing digit matching the check pair recomputed
// from the base in between.
func Validate(s string) bool {
	if len(s) < 3 {
		return false
	}
	digits := make([]int, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		digits[i] = int(s[i] - '0')
	}
	first, last := checkPair(digits[1 : len(digits)-1])
	return digits[0] == first && digits[len(digits)-1] == last
}
