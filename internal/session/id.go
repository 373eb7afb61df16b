package session

import (
	"crypto/rand"
	"math/big"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 16
)

var idAlphabetSize = big.NewInt(int64(len(idAlphabet)))

// newID returns a random session id. Uniqueness is the caller's concern.
func newID() string {
	b := make([]byte, idLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, idAlphabetSize)
		if err != nil {
			panic("session: crypto/rand unavailable: " + err.Error())
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b)
}

// ValidID reports whether id has the shape of a generated session id.
func ValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
