// Package accesscode mints the short codes students type to join a classroom.
package accesscode

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Length is the number of characters in a code.
const Length = 6

// Alphabet gives 36^6 (about 2.2 billion) possible codes.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a random code. Safe for concurrent use.
func Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic("accesscode: crypto/rand failed: " + err.Error())
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String()
}

// Normalize makes user input comparable with stored codes.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code (already normalized) has the shape of an issued code.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
