package domain

import (
	"crypto/rand"
	"math/big"
)

const (
	codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	MinCodeLength     = 5
	MaxCodeLength     = 15
	DefaultCodeLength = 8
)

// NewCode returns a random lowercase base-36 session code. Lengths outside
// [MinCodeLength, MaxCodeLength] are clamped.
func NewCode(length int) (string, error) {
	if length < MinCodeLength {
		length = MinCodeLength
	}
	if length > MaxCodeLength {
		length = MaxCodeLength
	}
	radix := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, radix)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidCode reports whether code has the shape NewCode produces.
func ValidCode(code string) bool {
	if len(code) < MinCodeLength || len(code) > MaxCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
