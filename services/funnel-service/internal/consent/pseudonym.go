package consent

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Pseudonymizer derives stable, non-reversible references for personal data so analytics rows
// can be correlated without carrying the raw value.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer requires a key of 1..64 bytes.
func NewPseudonymizer(key []byte) (*Pseudonymizer, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, errors.New("pseudonym key must be 1-64 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Pseudonymizer{key: k}, nil
}

// Ref returns the keyed BLAKE2b-256 of the normalized value, hex encoded. Empty input maps to "".
func (p *Pseudonymizer) Ref(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || p == nil {
		return ""
	}
	h, err := blake2b.New256(p.key)
	if err != nil {
		return ""
	}
	h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
