package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/aegischain/aegis/internal/types"
)

// AddressPrefix is prepended to the hex form of an address for human-
// readable display (logs, CLI output); it is not part of the canonical
// binary Address type.
const AddressPrefix = "aeg1"

var (
	ErrInvalidAddressFormat = errors.New("crypto: invalid address format")
	ErrPublicKeyHash        = errors.New("crypto: public key hashing failed")
)

// AddressFromPublicKey derives a validator/account Address from a secp256k1
// public key: the first 20 bytes of blake2b-256(compressed pubkey). blake2b
// is reused here rather than adding a third hash family, since it is already
// wired for the pull cache (SPEC_FULL §1.2) and the teacher's RIPEMD160
// choice has no other grounded use in the pack (see DESIGN.md).
func AddressFromPublicKey(pub *PublicKey) (types.Address, error) {
	sum := blake2b.Sum256(pub.Bytes())
	return types.BytesToAddress(sum[:20])
}

// FormatAddress renders an Address as the human-readable "aeg1<hex>" form.
func FormatAddress(a types.Address) string {
	return AddressPrefix + hex.EncodeToString(a[:])
}

// ParseAddress parses the "aeg1<hex>" form back into an Address.
func ParseAddress(s string) (types.Address, error) {
	if !strings.HasPrefix(s, AddressPrefix) {
		return types.Address{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidAddressFormat, AddressPrefix)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, AddressPrefix))
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %v", ErrInvalidAddressFormat, err)
	}
	return types.BytesToAddress(raw)
}
